package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"github.com/ValentinKolb/dStor/lib/chunkstore/badger"
	"github.com/ValentinKolb/dStor/lib/chunkstore/memory"
	"github.com/ValentinKolb/dStor/lib/cluster"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/tcp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
)

var Logger = logger.GetLogger(common.LoggerServer)

// StorageServer serves the storage targets of one node
type StorageServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer

	store     chunkstore.IChunkStore
	targets   *xsync.MapOf[uint16, *Target]
	adapter   IRPCServerAdapter
	forwarder IForwarder
	metrics   *http.Server

	requests atomic.Uint64
}

// NewStorageServer creates a new storage server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewStorageServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewStorageServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *StorageServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created storage server")
	Logger.Infof(config.String())

	return &StorageServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		targets:    xsync.NewMapOf[uint16, *Target](),
	}
}

// Serve initializes the server and blocks until the transport is closed
func (s *StorageServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// Start initializes the server, starts serving in the background and
// returns the address it listens on
func (s *StorageServer) Start() (string, error) {
	if err := s.init(); err != nil {
		return "", err
	}
	return s.transport.Start(s.config)
}

// Close stops the transport and releases the chunk store
func (s *StorageServer) Close() error {
	var errs []error
	errs = append(errs, s.transport.Close())
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	if s.forwarder != nil {
		errs = append(errs, s.forwarder.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *StorageServer) init() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	common.InitLoggers(s.config.LogLevel)
	Logger.Infof("Starting storage server with configuration:%s", s.config.String())

	// Open the chunk store
	switch s.config.Backend {
	case common.BackendBadger:
		store, err := badger.NewBadgerStore(badger.Config{Dir: s.config.DataDir})
		if err != nil {
			return err
		}
		s.store = store
	default:
		s.store = memory.NewMemoryStore()
	}

	// Create targets
	for _, id := range s.config.Targets {
		s.targets.Store(id, &Target{
			ID:            id,
			Store:         s.store,
			CapacityBytes: s.config.CapacityBytes,
			CapacityFiles: s.config.CapacityFiles,
		})
		Logger.Infof("Serving target %d", id)
	}

	// Writes are only forwarded if the cluster layout is known
	if s.config.TopologyFile != "" {
		registry, err := cluster.LoadTopology(s.config.TopologyFile)
		if err != nil {
			return err
		}
		config := common.DefaultClientConfig()
		config.TimeoutSecond = int(s.config.TimeoutSecond)
		config.Engine.MaxRetries = 3
		s.forwarder, err = NewMirrorForwarder(registry, tcp.NewTCPConnPool(config), s.serializer, config)
		if err != nil {
			return err
		}
	}

	s.adapter = NewStorageServerAdapter(s.serializer, s.forwarder, s.busy)

	if s.config.MetricsEndpoint != "" {
		s.startMetrics()
	}

	s.registerTransportHandler()
	Logger.Infof("dStor storage server setup completed successfully")
	return nil
}

func (s *StorageServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(data []byte, conn io.ReadWriter) error {
		var req common.Message
		if err := s.serializer.Deserialize(data, &req); err != nil {
			return fmt.Errorf("failed to deserialize request: %w", err)
		}

		target, _ := s.targets.Load(req.TargetID)
		return s.adapter.Handle(&req, conn, target)
	})
}

// busy reports whether the current request should be answered with "try again"
func (s *StorageServer) busy() bool {
	n := s.config.TryAgainEvery
	return n > 0 && s.requests.Add(1)%uint64(n) == 0
}

// startMetrics serves the prometheus metrics of this process
func (s *StorageServer) startMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	s.metrics = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}

	go func() {
		Logger.Infof("Serving metrics on http://%s/metrics", s.config.MetricsEndpoint)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()
}
