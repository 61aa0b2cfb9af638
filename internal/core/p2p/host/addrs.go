package host

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mamask "github.com/whyrusleeping/multiaddr-filter"
)

// ExternalAddrSource 提供当前有效的外部映射地址，无映射时返回 nil
type ExternalAddrSource interface {
	ExternalAddr() ma.Multiaddr
}

// newAddrsFactory 返回 libp2p 地址工厂：
// 去掉未指定地址与 no_announce 网段，追加网关映射得到的外部地址
func newAddrsFactory(external ExternalAddrSource, noAnnounce []string) (func([]ma.Multiaddr) []ma.Multiaddr, error) {
	filters := ma.NewFilters()
	for _, rule := range noAnnounce {
		f, err := mamask.NewMask(rule)
		if err != nil {
			return nil, fmt.Errorf("invalid no_announce cidr %q: %w", rule, err)
		}
		filters.AddFilter(*f, ma.ActionDeny)
	}

	return func(in []ma.Multiaddr) []ma.Multiaddr {
		out := make([]ma.Multiaddr, 0, len(in)+1)
		seen := make(map[string]struct{}, len(in)+1)
		add := func(a ma.Multiaddr) {
			key := string(a.Bytes())
			if _, ok := seen[key]; ok {
				return
			}
			seen[key] = struct{}{}
			out = append(out, a)
		}

		for _, a := range in {
			if manet.IsIPUnspecified(a) || filters.AddrBlocked(a) {
				continue
			}
			add(a)
		}
		if external != nil {
			if ext := external.ExternalAddr(); len(ext) > 0 {
				add(ext)
			}
		}
		return out
	}, nil
}
