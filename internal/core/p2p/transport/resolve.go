package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	manet "github.com/multiformats/go-multiaddr/net"
	msmux "github.com/multiformats/go-multistream"
)

// resolvePeerID 为不带 /p2p 组件的目标获取对端身份
//
// 先建立一条裸 TCP 连接，multistream 协商 /noise 后以空 peer ID 发起握手。
// 发起方总会校验 peer ID，对端在握手载荷中亮出的身份通过 ErrPeerIDMismatch 返回；
// 签名校验留给随后的正式连接。
func (s *Stack) resolvePeerID(ctx context.Context, addr ma.Multiaddr) (peer.ID, []ma.Multiaddr, error) {
	priv := s.host.Peerstore().PrivKey(s.host.ID())
	if priv == nil {
		return "", nil, ErrNoLocalKey
	}
	tpt, err := noise.New(noise.ID, priv, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create noise transport: %w", err)
	}

	resolved, err := madns.DefaultResolver.Resolve(ctx, addr)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	dialable := make([]ma.Multiaddr, 0, len(resolved))
	for _, a := range resolved {
		if manet.IsThinWaist(a) {
			dialable = append(dialable, a)
		}
	}
	if len(dialable) == 0 {
		return "", nil, ErrNoTransportAddr
	}

	var d manet.Dialer
	conn, err := d.DialContext(ctx, dialable[0])
	if err != nil {
		return "", nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := msmux.SelectProtoOrFail(noise.ID, conn); err != nil {
		return "", nil, fmt.Errorf("negotiate %s: %w", noise.ID, err)
	}
	secured, err := tpt.SecureOutbound(ctx, conn, "")
	if err == nil {
		_ = secured.Close()
		return "", nil, ErrPeerIDUnresolved
	}
	var mismatch sec.ErrPeerIDMismatch
	if errors.As(err, &mismatch) && mismatch.Actual != "" {
		return mismatch.Actual, dialable, nil
	}
	return "", nil, fmt.Errorf("security handshake: %w", err)
}
