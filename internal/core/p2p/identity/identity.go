// Package identity 进程级节点身份
//
// 每次启动生成新的 Ed25519 密钥对，PeerID 由公钥派生，不落盘。
package identity

import (
	"crypto/rand"
	"fmt"
	"io"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity 节点身份
type Identity struct {
	PrivKey libp2pcrypto.PrivKey
	PubKey  libp2pcrypto.PubKey
	ID      peer.ID
}

// Generate 生成新的身份；r 为 nil 时使用 crypto/rand
func Generate(r io.Reader) (*Identity, error) {
	if r == nil {
		r = rand.Reader
	}

	priv, pub, err := libp2pcrypto.GenerateEd25519Key(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}

	return &Identity{PrivKey: priv, PubKey: pub, ID: id}, nil
}

// String 返回 PeerID 字符串
func (i *Identity) String() string {
	return i.ID.String()
}
