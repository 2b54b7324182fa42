// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/devicewall/internal/logging"
)

// tableName is the single table this agent owns; it never touches rules
// installed by anything else.
const tableName = "devicewall"

// NFTExecutor drops traffic from blocked source addresses using a single
// nftables table and one filter chain hooked at input. Each IP family
// gets two timeout-backed sets: one keyed by address alone (blocks all
// traffic from the source) and one keyed by address . TCP source port
// (blocks just that tuple).
type NFTExecutor struct {
	logger *logging.Logger

	mu    sync.Mutex
	conn  *nftables.Conn
	table *nftables.Table
	chain *nftables.Chain
	set4  *nftables.Set
	set6  *nftables.Set
	set4p *nftables.Set
	set6p *nftables.Set
}

// NewNFTExecutor opens a netlink connection and installs the base
// table/chain/sets. Requires CAP_NET_ADMIN.
func NewNFTExecutor(logger *logging.Logger) (*NFTExecutor, error) {
	if logger == nil {
		logger = logging.Default().WithComponent("firewall")
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("firewall: open nftables: %w", err)
	}
	e := &NFTExecutor{logger: logger, conn: conn}
	if err := e.ensureBase(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *NFTExecutor) ensureBase() error {
	e.table = e.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	})

	e.set4 = &nftables.Set{
		Table:      e.table,
		Name:       "blocked_v4",
		KeyType:    nftables.TypeIPAddr,
		HasTimeout: true,
	}
	if err := e.conn.AddSet(e.set4, nil); err != nil {
		return fmt.Errorf("firewall: create blocked_v4 set: %w", err)
	}

	e.set6 = &nftables.Set{
		Table:      e.table,
		Name:       "blocked_v6",
		KeyType:    nftables.TypeIP6Addr,
		HasTimeout: true,
	}
	if err := e.conn.AddSet(e.set6, nil); err != nil {
		return fmt.Errorf("firewall: create blocked_v6 set: %w", err)
	}

	e.set4p = &nftables.Set{
		Table:         e.table,
		Name:          "blocked_v4_ports",
		KeyType:       nftables.MustConcatSetType(nftables.TypeIPAddr, nftables.TypeInetService),
		Concatenation: true,
		HasTimeout:    true,
	}
	if err := e.conn.AddSet(e.set4p, nil); err != nil {
		return fmt.Errorf("firewall: create blocked_v4_ports set: %w", err)
	}

	e.set6p = &nftables.Set{
		Table:         e.table,
		Name:          "blocked_v6_ports",
		KeyType:       nftables.MustConcatSetType(nftables.TypeIP6Addr, nftables.TypeInetService),
		Concatenation: true,
		HasTimeout:    true,
	}
	if err := e.conn.AddSet(e.set6p, nil); err != nil {
		return fmt.Errorf("firewall: create blocked_v6_ports set: %w", err)
	}

	e.chain = e.conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    e.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicyAccept(),
	})

	e.conn.AddRule(&nftables.Rule{
		Table: e.table,
		Chain: e.chain,
		Exprs: matchSetDropExprs(unix.NFPROTO_IPV4, 12, 4, e.set4.Name),
	})
	e.conn.AddRule(&nftables.Rule{
		Table: e.table,
		Chain: e.chain,
		Exprs: matchSetDropExprs(unix.NFPROTO_IPV6, 8, 16, e.set6.Name),
	})
	e.conn.AddRule(&nftables.Rule{
		Table: e.table,
		Chain: e.chain,
		Exprs: matchPortSetDropExprs(unix.NFPROTO_IPV4, 12, 4, 9, e.set4p.Name),
	})
	e.conn.AddRule(&nftables.Rule{
		Table: e.table,
		Chain: e.chain,
		Exprs: matchPortSetDropExprs(unix.NFPROTO_IPV6, 8, 16, 12, e.set6p.Name),
	})

	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: install base ruleset: %w", err)
	}
	return nil
}

func chainPolicyAccept() *nftables.ChainPolicy {
	p := nftables.ChainPolicyAccept
	return &p
}

// matchSetDropExprs builds "ip saddr @set drop" (or the IPv6 equivalent):
// load the source address from the network header and drop if it's a
// member of the named set.
func matchSetDropExprs(proto uint32, offset, length uint32, setName string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(proto)}},
		&expr.Payload{
			DestRegister: 2,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Lookup{
			SourceRegister: 2,
			SetName:        setName,
		},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// matchPortSetDropExprs builds "ip saddr . tcp sport @set drop" (or the
// IPv6 equivalent): the address loads into register 1 and the TCP source
// port into the next free 32-bit register, forming the concatenated
// lookup key. A supplied port always selects protocol TCP.
func matchPortSetDropExprs(proto uint32, offset, length uint32, portReg uint32, setName string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(proto)}},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Payload{
			DestRegister: portReg,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       0, // TCP source port
			Len:          2,
		},
		&expr.Lookup{
			SourceRegister: 1,
			SetName:        setName,
		},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// Install adds ip — or the ip . source-port tuple when port is non-zero
// — to the matching family's set with a kernel-side timeout.
func (e *NFTExecutor) Install(ctx context.Context, ip net.IP, port int, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, key, err := e.setAndKey(ip, port)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	// Adding a key that's already in the set is rejected by the kernel;
	// delete first so a repeat block refreshes the timeout instead.
	e.conn.SetDeleteElements(set, []nftables.SetElement{{Key: key}})
	elem := nftables.SetElement{Key: key, Timeout: ttl}
	if err := e.conn.SetAddElements(set, []nftables.SetElement{elem}); err != nil {
		return fmt.Errorf("firewall: add element %s: %w", ip, err)
	}
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush install %s: %w", ip, err)
	}
	e.logger.Info("installed block rule", "ip", ip.String(), "port", port, "ttl", ttl)
	return nil
}

// Remove deletes ip from its family's set, if present.
func (e *NFTExecutor) Remove(ctx context.Context, ip net.IP, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, key, err := e.setAndKey(ip, port)
	if err != nil {
		return err
	}
	elem := nftables.SetElement{Key: key}
	if err := e.conn.SetDeleteElements(set, []nftables.SetElement{elem}); err != nil {
		// Deleting a non-member is not an error for our callers.
		e.logger.Debug("remove: element not present or already expired", "ip", ip.String(), "error", err)
		return nil
	}
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush remove %s: %w", ip, err)
	}
	e.logger.Info("removed block rule", "ip", ip.String(), "port", port)
	return nil
}

// Clear flushes every set empty, leaving the table and chain in place.
func (e *NFTExecutor) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conn.FlushSet(e.set4)
	e.conn.FlushSet(e.set6)
	e.conn.FlushSet(e.set4p)
	e.conn.FlushSet(e.set6p)
	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush clear: %w", err)
	}
	e.logger.Info("cleared all block rules")
	return nil
}

func (e *NFTExecutor) Close() error {
	return nil
}

// setAndKey picks the set matching the address family and scope and
// builds the element key: the raw address, or for port-scoped blocks the
// concatenation of address and big-endian port padded to the 4-byte
// register boundary concat keys require.
func (e *NFTExecutor) setAndKey(ip net.IP, port int) (*nftables.Set, []byte, error) {
	var addr []byte
	var set, portSet *nftables.Set
	if v4 := ip.To4(); v4 != nil {
		addr, set, portSet = []byte(v4), e.set4, e.set4p
	} else if v6 := ip.To16(); v6 != nil {
		addr, set, portSet = []byte(v6), e.set6, e.set6p
	} else {
		return nil, nil, fmt.Errorf("firewall: invalid IP %q", ip)
	}
	if port == 0 {
		return set, addr, nil
	}
	key := make([]byte, 0, len(addr)+4)
	key = append(key, addr...)
	key = binary.BigEndian.AppendUint16(key, uint16(port))
	key = append(key, 0x00, 0x00)
	return portSet, key, nil
}
