package node

import (
	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// ============= 传输事件 =============

func (l *Loop) VisitNewListenAddr(e events.NewListenAddr) {
	l.st.listenAddrs[e.Addr.String()] = e.Addr
	l.logger.Infof("👂 监听地址 %s/p2p/%s", e.Addr, l.local)
}

func (l *Loop) VisitExpiredListenAddr(e events.ExpiredListenAddr) {
	delete(l.st.listenAddrs, e.Addr.String())
	l.logger.Warnf("监听地址失效 %s", e.Addr)
}

func (l *Loop) VisitConnectionEstablished(e events.ConnectionEstablished) {
	l.st.conns[e.Conn.ID] = &connRecord{info: e.Conn}
	l.logger.Infof("🔗 连接建立 peer=%s conn=%s dir=%s remote=%s established=%d",
		e.Conn.Peer, e.Conn.ID, e.Conn.Direction, e.Conn.Remote, e.NumEstablished)
}

func (l *Loop) VisitConnectionClosed(e events.ConnectionClosed) {
	l.st.removeConn(e.ConnID)
	l.logger.Warnf("连接关闭 peer=%s conn=%s remote=%s cause=%s remaining=%d",
		e.Peer, e.ConnID, e.Remote, e.Cause, e.NumEstablished)
}

func (l *Loop) VisitIncomingConnection(e events.IncomingConnection) {
	l.logger.Infof("入站连接 local=%s remote=%s", e.Local, e.Remote)
}

func (l *Loop) VisitIncomingConnectionError(e events.IncomingConnectionError) {
	l.logger.Errorf("入站连接失败 remote=%s stage=%s err=%v", e.Remote, e.Stage, e.Err)
}

func (l *Loop) VisitOutgoingConnectionError(e events.OutgoingConnectionError) {
	l.logger.Errorf("出站连接失败 peer=%s addr=%s err=%v", e.Peer, e.Addr, e.Err)
}

// ============= 网关事件 =============

func (l *Loop) VisitExternalAddrMapped(e events.ExternalAddrMapped) {
	if l.st.mapped(e.Mapping) {
		l.logger.Debugf("外部地址重复映射 %s", e.Mapping.External)
		return
	}
	l.logger.Infof("🌍 外部地址可用 %s/p2p/%s gateway=%s internal_port=%d lease=%s",
		e.Mapping.External, l.local, e.Mapping.Gateway, e.Mapping.InternalPort, e.Mapping.Lease)
}

func (l *Loop) VisitExternalAddrExpired(e events.ExternalAddrExpired) {
	if !l.st.expired(e.Addr) {
		l.logger.Debugf("忽略未知外部地址的失效 %s", e.Addr)
		return
	}
	l.logger.Warnf("外部地址失效 %s reason=%s reachable=%t", e.Addr, e.Reason, l.st.reachable())
}

func (l *Loop) VisitGatewayNotFound(e events.GatewayNotFound) {
	l.st.gatewayStatus = gatewayAbsent
	l.logger.Warnf("未发现端口映射网关，无法进行 NAT 穿透: %v", e.Err)
}

func (l *Loop) VisitGatewayNonRoutable(e events.GatewayNonRoutable) {
	l.st.gatewayStatus = gatewayNonRoutable
	l.logger.Warnf("网关外部地址不可路由（多层 NAT） gateway=%s external_ip=%s", e.Gateway, e.ExternalIP)
}

func (l *Loop) VisitMappingFailed(e events.MappingFailed) {
	l.st.gatewayStatus = gatewayFailed
	l.logger.Errorf("端口映射失败 gateway=%s err=%v", e.Gateway, e.Err)
}

// ============= identify =============

func (l *Loop) VisitIdentifyReceived(e events.IdentifyReceived) {
	if !l.known(e.Kind(), e.ConnID) {
		return
	}
	l.st.peers[e.Peer] = peerRecord{info: e.Info, conn: e.ConnID}
	l.logger.Infof("🪪 identify peer=%s agent=%q protocol=%q listen=%v observed=%s push=%t",
		e.Peer, e.Info.AgentVersion, e.Info.ProtocolVersion, e.Info.ListenAddrs, addrString(e.Info.ObservedAddr), e.Push)
}

func (l *Loop) VisitIdentifySent(e events.IdentifySent) {
	if !l.known(e.Kind(), e.ConnID) {
		return
	}
	l.logger.Infof("identify 已应答 peer=%s", e.Peer)
}

func (l *Loop) VisitIdentifyPushed(e events.IdentifyPushed) {
	if !l.known(e.Kind(), e.ConnID) {
		return
	}
	l.logger.Infof("identify 已推送 peer=%s", e.Peer)
}

func (l *Loop) VisitIdentifyError(e events.IdentifyError) {
	if !l.known(e.Kind(), e.ConnID) {
		return
	}
	l.logger.Errorf("identify 失败 peer=%s conn=%s err=%v", e.Peer, e.ConnID, e.Err)
}

// ============= 存活探测 =============

func (l *Loop) VisitPing(e events.PingResult) {
	if !l.known(e.Kind(), e.ConnID) {
		return
	}
	rec := l.st.conns[e.ConnID]
	if e.Err != nil {
		rec.lastPingErr = e.Err
		l.logger.Warnf("ping 失败 peer=%s err=%v", e.Peer, e.Err)
		return
	}
	rec.lastRTT, rec.lastPingErr = e.RTT, nil
	l.metrics.observeRTT(e.RTT.Seconds())
	l.logger.Infof("🏓 ping peer=%s rtt=%s", e.Peer, e.RTT)
}
