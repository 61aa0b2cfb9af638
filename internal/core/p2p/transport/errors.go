package transport

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	ma "github.com/multiformats/go-multiaddr"
)

// ListenErrorKind 监听失败分类
type ListenErrorKind int

const (
	// AddressInvalid 地址无法解析或没有可用的传输
	AddressInvalid ListenErrorKind = iota
	// AddressInUse 端口已被占用
	AddressInUse
)

func (k ListenErrorKind) String() string {
	switch k {
	case AddressInUse:
		return "address in use"
	default:
		return "address invalid"
	}
}

// ListenError 监听失败，启动阶段致命
type ListenError struct {
	Kind ListenErrorKind
	Addr string
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("listen %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// DialErrorKind 拨号同步失败分类
type DialErrorKind int

const (
	// InvalidAddress 目标地址语法错误、缺少传输地址或指向自身
	InvalidAddress DialErrorKind = iota
)

func (k DialErrorKind) String() string {
	return "invalid address"
}

// DialError 拨号目标校验失败；连接结果本身通过事件异步报告
type DialError struct {
	Kind   DialErrorKind
	Target string
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %q: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

var (
	// ErrNoLocalKey peerstore 中没有本节点私钥，无法发起安全握手
	ErrNoLocalKey = errors.New("local private key not in peerstore")
	// ErrPeerIDUnresolved 安全握手未暴露对端身份
	ErrPeerIDUnresolved = errors.New("remote peer id not revealed by security handshake")
	// ErrSelfDial 拨号目标是本节点
	ErrSelfDial = errors.New("target is the local peer")
	// ErrNoTransportAddr 拨号目标只有 /p2p 组件
	ErrNoTransportAddr = errors.New("target has no transport address")
	// ErrInboundHandshakeTimeout 入站连接在握手超时内未完成升级
	ErrInboundHandshakeTimeout = errors.New("inbound handshake not completed in time")
	// ErrEmptyAddr 监听地址为空
	ErrEmptyAddr = errors.New("empty multiaddr")
	// ErrNotAttached 尚未绑定 host
	ErrNotAttached = errors.New("transport stack is not attached to a host")
)

// classifyListenError 区分端口占用与其他失败
// swarm 以 %s 拼接底层错误，errors.Is 不一定可用，退化到字符串匹配
func classifyListenError(err error) ListenErrorKind {
	if errors.Is(err, syscall.EADDRINUSE) {
		return AddressInUse
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address") {
		return AddressInUse
	}
	return AddressInvalid
}

// ParseListenAddr 解析监听地址，失败时返回 AddressInvalid
func ParseListenAddr(s string) (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, &ListenError{Kind: AddressInvalid, Addr: s, Err: err}
	}
	return addr, nil
}
