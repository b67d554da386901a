// Command poolserver runs the shared memory pool daemon: a length-prefixed
// TCP listener dispatching Alloc/Read/Update/Delete/Status/Compact/Reset
// requests (internal/protocol), plus a secondary gRPC admin surface for
// Status/Compact/Snapshot, and an optional cron-scheduled auto-snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sharedmem/poold/internal/autosnap"
	"github.com/sharedmem/poold/internal/config"
	"github.com/sharedmem/poold/internal/pool"
	"github.com/sharedmem/poold/internal/protocol"
)

var (
	flagConfig         = flag.String("config", "", "Optional YAML config file overlaying the flags below")
	flagListen         = flag.String("listen", ":9120", "TCP listen address for the blob protocol")
	flagGRPC           = flag.String("grpc", ":9121", "gRPC listen address for the admin surface (empty disables it)")
	flagPoolBytes      = flag.Int64("pool-bytes", pool.DefaultConfig().PoolBytes, "Total pool capacity in bytes")
	flagPageBytes      = flag.Int64("page-bytes", int64(pool.DefaultConfig().PageBytes), "Page size in bytes; must divide pool-bytes")
	flagSnapshotPath   = flag.String("snapshot", "", "Path for the final shutdown snapshot, auto snapshots and -restore-on-start (empty skips the final snapshot)")
	flagSnapshotCron   = flag.String("snapshot-cron", "", "Cron expression for periodic auto-snapshot (requires -snapshot)")
	flagRestoreOnStart = flag.Bool("restore-on-start", false, "Restore from -snapshot before accepting connections")
)

func main() {
	flag.Parse()
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if *flagConfig != "" {
		f, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("poolserver: %v", err)
		}
		// Flags set explicitly on the command line win over the file.
		if !explicit["listen"] && f.ListenAddr != "" {
			*flagListen = f.ListenAddr
		}
		if !explicit["grpc"] && f.GRPCAddr != "" {
			*flagGRPC = f.GRPCAddr
		}
		if !explicit["pool-bytes"] && f.PoolBytes != 0 {
			*flagPoolBytes = f.PoolBytes
		}
		if !explicit["page-bytes"] && f.PageBytes != 0 {
			*flagPageBytes = f.PageBytes
		}
		if !explicit["snapshot"] && f.SnapshotPath != "" {
			*flagSnapshotPath = f.SnapshotPath
		}
		if !explicit["snapshot-cron"] && f.SnapshotCron != "" {
			*flagSnapshotCron = f.SnapshotCron
		}
		if !explicit["restore-on-start"] && f.RestoreOnStart {
			*flagRestoreOnStart = true
		}
	}

	p, err := pool.New(pool.Config{PoolBytes: int(*flagPoolBytes), PageBytes: int(*flagPageBytes)})
	if err != nil {
		log.Fatalf("poolserver: construct pool: %v", err)
	}

	if *flagRestoreOnStart {
		if *flagSnapshotPath == "" {
			log.Fatalf("poolserver: -restore-on-start requires -snapshot")
		}
		if err := p.Restore(*flagSnapshotPath); err != nil {
			log.Printf("poolserver: restore from %s failed: %v (starting empty)", *flagSnapshotPath, err)
		} else {
			log.Printf("poolserver: restored state from %s", *flagSnapshotPath)
		}
	}

	var sched *autosnap.Scheduler
	if *flagSnapshotCron != "" {
		if *flagSnapshotPath == "" {
			log.Fatalf("poolserver: -snapshot-cron requires -snapshot")
		}
		sched, err = autosnap.New(p, *flagSnapshotPath, *flagSnapshotCron)
		if err != nil {
			log.Fatalf("poolserver: invalid -snapshot-cron: %v", err)
		}
		sched.Start()
	}

	ln, err := net.Listen("tcp", *flagListen)
	if err != nil {
		log.Fatalf("poolserver: listen on %s: %v", *flagListen, err)
	}
	log.Printf("poolserver: listening on %s", *flagListen)
	go acceptLoop(ln, p)

	if *flagGRPC != "" {
		encoding.RegisterCodec(jsonCodec{})
		gln, err := net.Listen("tcp", *flagGRPC)
		if err != nil {
			log.Fatalf("poolserver: grpc listen on %s: %v", *flagGRPC, err)
		}
		gs := grpc.NewServer()
		registerAdminServer(gs, &adminServer{pool: p})
		go func() {
			log.Printf("poolserver: gRPC admin surface listening on %s", *flagGRPC)
			if err := gs.Serve(gln); err != nil {
				log.Printf("poolserver: grpc serve error: %v", err)
			}
		}()
	}

	waitForShutdown()

	log.Printf("poolserver: shutting down")
	ln.Close()
	if sched != nil {
		sched.Stop()
	}
	if *flagSnapshotPath != "" {
		if err := p.Snapshot(*flagSnapshotPath); err != nil {
			log.Printf("poolserver: final snapshot failed: %v", err)
		} else {
			log.Printf("poolserver: final snapshot written to %s", *flagSnapshotPath)
		}
	}
}

func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

// acceptLoop accepts connections and hands each its own goroutine: one
// thread of control per connection, matching the pool's coarse-lock model
// where concurrency lives entirely at the connection boundary.
func acceptLoop(ln net.Listener, p *pool.Pool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go serveConn(conn, p)
	}
}

func serveConn(conn net.Conn, p *pool.Pool) {
	defer conn.Close()
	for {
		cmd, operand, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		code, payload := protocol.Dispatch(p, cmd, operand)
		if err := protocol.WriteResponse(conn, code, payload); err != nil {
			return
		}
	}
}

// gRPC admin surface: Status/Compact/Snapshot, hand-rolled ServiceDesc and
// a JSON wire codec in place of protobuf, no protoc step required.

type statusRequest struct {
	Brief bool `json:"brief"`
}

type statusResponse struct {
	Report string `json:"report"`
}

type compactRequest struct{}

type compactResponse struct {
	OK bool `json:"ok"`
}

type snapshotRequest struct {
	Path string `json:"path"`
}

type snapshotResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// AdminServer is the gRPC-visible surface of a running poolserver.
type AdminServer interface {
	Status(context.Context, *statusRequest) (*statusResponse, error)
	Compact(context.Context, *compactRequest) (*compactResponse, error)
	Snapshot(context.Context, *snapshotRequest) (*snapshotResponse, error)
}

type adminServer struct {
	pool *pool.Pool
}

func (a *adminServer) Status(ctx context.Context, req *statusRequest) (*statusResponse, error) {
	var operand []byte
	if req.Brief {
		operand = []byte("brief")
	}
	_, payload := protocol.Dispatch(a.pool, protocol.CmdStatus, operand)
	return &statusResponse{Report: string(payload)}, nil
}

func (a *adminServer) Compact(ctx context.Context, req *compactRequest) (*compactResponse, error) {
	a.pool.Compact()
	return &compactResponse{OK: true}, nil
}

func (a *adminServer) Snapshot(ctx context.Context, req *snapshotRequest) (*snapshotResponse, error) {
	if err := a.pool.Snapshot(req.Path); err != nil {
		return &snapshotResponse{OK: false, Error: err.Error()}, nil
	}
	return &snapshotResponse{OK: true}, nil
}

func registerAdminServer(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "poold.Admin",
		HandlerType: (*AdminServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Status", Handler: adminStatusHandler},
			{MethodName: "Compact", Handler: adminCompactHandler},
			{MethodName: "Snapshot", Handler: adminSnapshotHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "poold",
	}, srv)
}

func adminStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(statusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/poold.Admin/Status"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(AdminServer).Status(ctx, req.(*statusRequest)) }
	return interceptor(ctx, in, info, handler)
}

func adminCompactHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(compactRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Compact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/poold.Admin/Compact"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(AdminServer).Compact(ctx, req.(*compactRequest)) }
	return interceptor(ctx, in, info, handler)
}

func adminSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(snapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/poold.Admin/Snapshot"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(AdminServer).Snapshot(ctx, req.(*snapshotRequest)) }
	return interceptor(ctx, in, info, handler)
}
