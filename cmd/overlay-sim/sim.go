package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	overlay "github.com/dep2p/go-overlay"
	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/routing/network/memnet"
	"github.com/dep2p/go-overlay/pkg/types"
)

// joinParallelism 同时加入的节点数
const joinParallelism = 4

// ============================================================================
//                              simulation
// ============================================================================

// simulation 单进程内存网络模拟
type simulation struct {
	cfg *config.Config
	reg prometheus.Registerer
	nw  *memnet.Network

	// introspectAddr 非空时在第一个节点上启用自省服务
	introspectAddr string

	mu        sync.Mutex
	spawned   int
	nodes     []*overlay.Node
	delivered map[types.NodeID]int
}

func newSimulation(cfg *config.Config, reg prometheus.Registerer) *simulation {
	return &simulation{
		cfg:       cfg,
		reg:       reg,
		nw:        memnet.NewNetwork(memnet.WithInboxSize(cfg.Network.InboxSize)),
		delivered: make(map[types.NodeID]int),
	}
}

// spawn 创建并启动一个节点
func (s *simulation) spawn(ctx context.Context) (*overlay.Node, error) {
	s.mu.Lock()
	idx := s.spawned
	s.spawned++
	s.mu.Unlock()

	cfg := s.cfg.Clone()
	cfg.Network.ListenEndpoint = ""
	cfg.Network.BootstrapEndpoints = nil
	cfg.Diagnostics.EnableIntrospect = idx == 0 && s.introspectAddr != ""
	if cfg.Diagnostics.EnableIntrospect {
		cfg.Diagnostics.IntrospectAddr = s.introspectAddr
	}

	var node *overlay.Node
	opts := []overlay.Option{
		overlay.WithConfig(cfg),
		overlay.WithNetwork(s.nw),
		overlay.WithFunctors(&overlay.Functors{
			MessageReceived: func(payload []byte, _ types.NodeID) []byte {
				s.mu.Lock()
				s.delivered[node.ID()]++
				s.mu.Unlock()
				return payload
			},
		}),
	}
	if s.reg != nil {
		labels := prometheus.Labels{"node": strconv.Itoa(idx)}
		opts = append(opts, overlay.WithRegisterer(prometheus.WrapRegistererWith(labels, s.reg)))
	}

	node, err := overlay.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		return nil, err
	}

	s.mu.Lock()
	s.nodes = append(s.nodes, node)
	s.mu.Unlock()
	return node, nil
}

// Bootstrap 零状态启动前两个节点，其余节点经由随机已加入节点加入
func (s *simulation) Bootstrap(ctx context.Context, size int) error {
	a, err := s.spawn(ctx)
	if err != nil {
		return err
	}
	b, err := s.spawn(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.zeroState(gctx, a, b)
	})
	g.Go(func() error {
		return s.zeroState(gctx, b, a)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// 分批加入，每批使用已加入节点作为引导
	for joined := 2; joined < size; {
		batch := min(joinParallelism, size-joined)
		seeds := s.snapshot()

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < batch; i++ {
			g.Go(func() error {
				node, err := s.spawn(gctx)
				if err != nil {
					return err
				}
				seed := seeds[rand.Intn(len(seeds))]
				return node.Join(gctx, seed.Endpoint())
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		joined += batch
	}
	return nil
}

func (s *simulation) zeroState(ctx context.Context, self, peer *overlay.Node) error {
	code := self.ZeroStateJoin(ctx, peer.Endpoint(), peer.Contact())
	if !code.IsSuccess() {
		return types.NewRoutingError("zero state join", code.Err(), peer.ID().ShortString())
	}
	return nil
}

func (s *simulation) snapshot() []*overlay.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*overlay.Node(nil), s.nodes...)
}

// PrintTables 打印每个节点的路由表概况
func (s *simulation) PrintTables(w io.Writer) {
	nodes := s.snapshot()
	fmt.Fprintf(w, "%-4s %-12s %-16s %6s %6s\n", "#", "id", "endpoint", "routes", "clients")
	for i, n := range nodes {
		fmt.Fprintf(w, "%-4d %-12s %-16s %6d %6d\n",
			i, n.ID().ShortString(), n.Endpoint(), n.RoutingTableSize(), n.ClientTableSize())
	}
}

// ============================================================================
//                              流量
// ============================================================================

// report 流量统计
type report struct {
	sent      int
	succeeded int
	failed    map[types.ResultCode]int
	latencies []time.Duration
	delivered map[types.NodeID]int
}

// Traffic 从随机节点发出 count 条消息并等待结果
//
// 直达消息以随机已知节点为目标；组消息以随机地址为目标，
// 由最近的组成员应答。
func (s *simulation) Traffic(ctx context.Context, count int, group bool, timeout time.Duration) report {
	nodes := s.snapshot()
	rep := report{failed: make(map[types.ResultCode]int)}

	type outcome struct {
		code    types.ResultCode
		elapsed time.Duration
	}
	results := make(chan outcome, count)

	var wg sync.WaitGroup
	for i := 0; i < count && ctx.Err() == nil; i++ {
		from := nodes[rand.Intn(len(nodes))]
		dest := types.RandomNodeID()
		if !group {
			id, err := from.RandomExistingNode()
			if err != nil {
				rep.sent++
				rep.failed[types.ResultNodeNotFound]++
				continue
			}
			dest = id
		}

		payload := []byte(uuid.NewString())
		started := time.Now()
		var once sync.Once
		wg.Add(1)
		rep.sent++
		from.Send(dest, types.EmptyNodeID, payload, func(code types.ResultCode, _ []byte) {
			once.Do(func() {
				results <- outcome{code: code, elapsed: time.Since(started)}
				wg.Done()
			})
		}, timeout, !group, false)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.code.IsSuccess() {
			rep.succeeded++
			rep.latencies = append(rep.latencies, r.elapsed)
		} else {
			rep.failed[r.code]++
		}
	}

	s.mu.Lock()
	rep.delivered = make(map[types.NodeID]int, len(s.delivered))
	for id, n := range s.delivered {
		rep.delivered[id] = n
	}
	s.mu.Unlock()
	return rep
}

// Print 输出统计
func (r report) Print(w io.Writer) {
	fmt.Fprintf(w, "📨 发送 %d，成功 %d\n", r.sent, r.succeeded)
	for code, n := range r.failed {
		fmt.Fprintf(w, "   失败 %-20s %d\n", code, n)
	}
	if len(r.latencies) > 0 {
		sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
		p50 := r.latencies[len(r.latencies)/2]
		p99 := r.latencies[(len(r.latencies)*99)/100]
		fmt.Fprintf(w, "   延迟 p50=%s p99=%s\n", p50, p99)
	}
	total := 0
	for _, n := range r.delivered {
		total += n
	}
	fmt.Fprintf(w, "   投递 %d 次，涉及 %d 个节点\n", total, len(r.delivered))
}

// Close 关闭所有节点
func (s *simulation) Close() error {
	var err error
	for _, n := range s.snapshot() {
		err = multierr.Append(err, n.Close())
	}
	return err
}
