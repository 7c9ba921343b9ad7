// Command worker is the remote shuffle service worker process: it
// listens on a push port and a fetch port, wiring together the Buffer
// Pool, Memory Tracker, Device Monitor, Disk Flusher(s), Partition
// Location Registry, Congestion Controller, Push Handler, and
// Fetch/Chunk Server of spec.md §4. Grounded on weed/command/volume.go's
// flag-parsed, component-wiring main, generalized from seaweedfs's
// single volume server process to this repo's worker process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rsslabs/shuffle/congestion"
	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/config"
	"github.com/rsslabs/shuffle/internal/devicemonitor"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/registry"
	"github.com/rsslabs/shuffle/server"
	"github.com/rsslabs/shuffle/stats"
	"github.com/rsslabs/shuffle/wire"
)

var (
	flagConfigFile      = flag.String("config", "rss-worker", "config file base name (searched as <name>.toml)")
	flagMounts          = flag.String("mounts", "/tmp/rss-worker-1", "comma-separated list of disk mount points")
	flagHost            = flag.String("host", "127.0.0.1", "advertised host")
	flagPushPort        = flag.Int("push.port", 17001, "push RPC listen port")
	flagFetchPort       = flag.Int("fetch.port", 17002, "fetch RPC listen port")
	flagMetricsPort     = flag.Int("metrics.port", 17003, "prometheus /metrics listen port")
	flagReservationPort = flag.Int("reservation.port", 17004, "slot-reservation RPC listen port (control-plane stand-in)")
	flagAppID           = flag.String("app.id", "rss-worker", "application id namespacing on-disk shuffle data")
	flagVerbosity       = flag.Int("v", 0, "log verbosity")
)

func main() {
	flag.Parse()
	glog.SetVerbosity(*flagVerbosity)

	cfg := config.Load(*flagConfigFile)
	mounts := strings.Split(*flagMounts, ",")

	memTracker := memtracker.New(cfg.MaxDirectMemory, cfg.PausePushRatio, cfg.PauseReplicateRatio, cfg.ResumeRatio)
	memTracker.Start(time.Second)
	defer memTracker.Shutdown()

	deviceMonitor := devicemonitor.New(cfg.DeviceProbeInterval, 0.95)
	for _, m := range mounts {
		deviceMonitor.Register(strings.TrimSpace(m))
	}
	deviceMonitor.Start()
	defer deviceMonitor.Shutdown()

	pool := bufferpool.New(cfg.FlusherQueueDepth, int64(cfg.FlushBufferSize), memTracker)

	flushers := make(map[string]*diskflusher.Flusher, len(mounts))
	for _, m := range mounts {
		m = strings.TrimSpace(m)
		if err := os.MkdirAll(m, 0o755); err != nil {
			glog.Fatalf("creating mount dir %s: %v", m, err)
		}
		f := diskflusher.New(m, cfg.FlusherQueueDepth, cfg.FlusherThreadsPerDisk, pool, deviceMonitor, cfg.SlowFlushThreshold)
		flushers[m] = f
		defer f.Shutdown()
	}

	reg := registry.New()

	cc := congestion.New(congestion.Options{
		SampleWindow:        cfg.CongestionWindow,
		HighWatermark:       cfg.HighWatermark,
		LowWatermark:        cfg.LowWatermark,
		UserInactiveTimeout: cfg.UserInactiveTimeout,
		PerUserRateCap:      cfg.PerUserRateCap,
		PerWorkerRateCap:    cfg.PerWorkerRateCap,
		CheckPeriod:         cfg.CongestionCheckPeriod,
		PendingBytesFn:      func() int64 { return memTracker.Total() },
	})
	cc.Start()
	defer cc.Shutdown()

	replicator := &tcpReplicator{dialTimeout: cfg.PushDataTimeout}
	pushHandler := server.New(reg, memTracker, cc, replicator)
	fetchServer := server.NewFetchServer(reg)

	trimmedMounts := make([]string, len(mounts))
	for i, m := range mounts {
		trimmedMounts[i] = strings.TrimSpace(m)
	}
	allocator := server.NewSlotAllocator(*flagAppID, *flagHost, *flagPushPort, *flagFetchPort, reg, memTracker, pool, flushers, trimmedMounts, &logSplitNotifier{}, server.WriterConfig{
		FlushBufferSize: cfg.FlushBufferSize,
		SplitThreshold:  cfg.SplitThreshold,
		HardSplit:       cfg.HardSplit,
		FlushTimeout:    cfg.FlushTimeout,
		ChunkSize:       cfg.ChunkSize,
	})

	stats.Registry.MustRegister(memTracker, cc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(*flagMetricsPort)
	go servePush(ctx, *flagHost, *flagPushPort, pushHandler)
	go serveFetch(ctx, *flagHost, *flagFetchPort, fetchServer)
	go serveReservation(ctx, *flagHost, *flagReservationPort, allocator)

	glog.V(0).Infof("worker listening: push=%d fetch=%d reservation=%d metrics=%d mounts=%v", *flagPushPort, *flagFetchPort, *flagReservationPort, *flagMetricsPort, mounts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	glog.V(0).Infof("worker shutting down")
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		glog.Warningf("metrics server stopped: %v", err)
	}
}

func servePush(ctx context.Context, host string, port int, handler *server.PushHandler) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		glog.Fatalf("push listener: %v", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				glog.Warningf("push accept: %v", err)
				continue
			}
		}
		go handlePushConn(ctx, conn, handler)
	}
}

// handlePushConn multiplexes PushData and PushMergedData on one
// connection (spec.md §4.5's push handler accepts both), peeking each
// frame's type tag before decoding.
func handlePushConn(ctx context.Context, conn net.Conn, handler *server.PushHandler) {
	defer conn.Close()
	for {
		mt, payload, err := wire.PeekType(conn)
		if err != nil {
			return
		}

		var status wire.Status
		var shuffleKey string
		switch mt {
		case wire.MsgPushData:
			req, derr := wire.DecodePushData(payload)
			if derr != nil {
				return
			}
			shuffleKey = req.ShuffleKey
			status, err = handler.HandlePushData(ctx, userFor(req.ShuffleKey), req)
		case wire.MsgPushMergedData:
			req, derr := wire.DecodePushMergedData(payload)
			if derr != nil {
				return
			}
			shuffleKey = req.ShuffleKey
			status, err = handler.HandlePushMergedData(ctx, userFor(req.ShuffleKey), req)
		default:
			glog.Warningf("push conn: unexpected message type %d", mt)
			return
		}
		if err != nil {
			glog.Warningf("push handler error for %s: %v", shuffleKey, err)
			status = wire.StatusPushDataFailPrimary
		}
		if err := wire.WritePushAck(conn, &wire.PushAck{Status: status}); err != nil {
			return
		}
	}
}

// userFor builds the congestion-scoping key for a shuffle key. Tenant/
// name are not yet part of the wire PushData/PushMergedData messages in
// this repo's codec (see DESIGN.md's Open Question decision); congestion
// accounting keys on shuffle id as a stand-in scoping key until the wire
// format grows a real user field.
func userFor(shuffleKey string) model.UserIdentifier {
	return model.UserIdentifier{Tenant: "default", Name: shuffleKey}
}

// serveReservation listens for ReserveSlot requests — the stand-in entry
// point for the (out-of-scope per spec.md §1) control plane's
// slot-allocator RPC, letting a test driver or future control-plane
// client actually populate the registry so pushes stop falling through
// to StageEnd.
func serveReservation(ctx context.Context, host string, port int, allocator *server.SlotAllocator) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		glog.Fatalf("reservation listener: %v", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				glog.Warningf("reservation accept: %v", err)
				continue
			}
		}
		go handleReservationConn(conn, allocator)
	}
}

func handleReservationConn(conn net.Conn, allocator *server.SlotAllocator) {
	defer conn.Close()
	req, err := wire.ReadReserveSlot(conn)
	if err != nil {
		return
	}
	role := model.RolePrimary
	if req.Role == byte(model.RoleReplica) {
		role = model.RoleReplica
	}
	loc, err := allocator.ReserveSlot(req.ShuffleKey, int(req.PartitionID), role, req.HasPeer, req.PeerHost, int(req.PeerPushPort), int(req.PeerFetchPort))
	if err != nil {
		glog.Warningf("reservation: %v", err)
		_ = wire.WriteReserveSlotAck(conn, &wire.ReserveSlotAck{})
		return
	}
	_ = wire.WriteReserveSlotAck(conn, &wire.ReserveSlotAck{
		Host: loc.Host, Epoch: int32(loc.Epoch), PushPort: int32(loc.PushPort), FetchPort: int32(loc.FetchPort),
	})
}

// logSplitNotifier is the worker's stand-in storage.SplitNotifier: the
// real control plane would receive this and grant a new epoch, but that
// RPC is out of scope per spec.md §1, so this just logs the crossing.
type logSplitNotifier struct{}

func (logSplitNotifier) NotifySplit(key model.PartitionKey, hard bool) {
	glog.V(0).Infof("worker: %s crossed split_threshold, hard=%v (awaiting control-plane epoch bump)", key, hard)
}

func serveFetch(ctx context.Context, host string, port int, fs *server.FetchServer) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		glog.Fatalf("fetch listener: %v", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				glog.Warningf("fetch accept: %v", err)
				continue
			}
		}
		go handleFetchConn(conn, fs)
	}
}

func handleFetchConn(conn net.Conn, fs *server.FetchServer) {
	defer conn.Close()
	req, err := wire.ReadOpenStream(conn)
	if err != nil {
		return
	}
	handle, err := fs.OpenStream(req)
	if err != nil {
		glog.Warningf("fetch open stream: %v", err)
		_ = wire.WriteStreamHandle(conn, &wire.StreamHandle{})
		return
	}
	if err := wire.WriteStreamHandle(conn, handle); err != nil {
		return
	}

	creditCh := make(chan int32, 16)
	go func() {
		for {
			c, err := wire.ReadReadAddCredit(conn)
			if err != nil {
				close(creditCh)
				return
			}
			creditCh <- c.Credit
		}
	}()
	go func() {
		for c := range creditCh {
			_ = fs.AddCredit(handle.StreamID, c)
		}
	}()

	_ = fs.StreamChunks(handle.StreamID, func(cd *wire.ChunkData) error {
		return wire.WriteChunkData(conn, cd)
	})
}

// tcpReplicator forwards a PushData to a replica over a fresh TCP
// connection. Grounded on weed/operation/submit.go's dial-per-call RPC
// helper shape; a production deployment would pool these connections
// (left as a follow-up, not required by any SPEC_FULL.md component).
type tcpReplicator struct {
	dialTimeout time.Duration
}

func (r *tcpReplicator) Forward(ctx context.Context, loc model.PartitionLocation, req *wire.PushData) (wire.Status, error) {
	d := net.Dialer{Timeout: r.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", loc.Host, loc.PushPort))
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := wire.WritePushData(conn, req); err != nil {
		return 0, err
	}
	ack, err := wire.ReadPushAck(conn)
	if err != nil {
		return 0, err
	}
	return ack.Status, nil
}
