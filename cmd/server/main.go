// Command server runs the transactional storage core behind the
// line-oriented TCP CLI described in spec.md §6: a minimal, unauthenticated
// collaborator surface recognizing .exit, .tables, and opaque SQL strings.
// It is not part of the core contract — the core lives in the txnlog,
// transaction, and heap packages.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"txnstore/bufferpool"
	"txnstore/config"
	"txnstore/heap"
	"txnstore/internal/logging"
	"txnstore/transaction"
	"txnstore/txnlog"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		dataDir     = flag.String("data-dir", "", "override database.data_dir")
		port        = flag.Int("port", 0, "override server.port")
		bootstrap   = flag.Bool("new", false, "bootstrap a fresh database instead of loading one")
		poolSize    = flag.Int("pool-size", 0, "override database.pool_size")
		compression = flag.String("compression", "", "override database.page_compression (snappy, lz4, zstd)")
		inMemory    = flag.Bool("mem", false, "use an in-memory disk instead of data-dir (discarded on exit)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Database.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *bootstrap {
		cfg.Database.Bootstrap = true
	}
	if *poolSize != 0 {
		cfg.Database.PoolSize = *poolSize
	}
	if *compression != "" {
		cfg.Database.PageCompression = *compression
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, levelFromString(cfg.Logging.Level), "server")

	srv, err := newServer(cfg, *inMemory, logger)
	if err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	srv.run()
}

func levelFromString(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// server bundles the storage core with the trivial table registry the CLI
// needs to answer ".tables" (spec.md §6 and SPEC_FULL.md §9 — this registry
// is not a catalog; it exists only so the command has something to print).
type server struct {
	cfg    *config.Config
	logger *logging.Logger

	pages *bufferpool.Manager
	log   *txnlog.Log
	locks *transaction.LockManager
	txns  *transaction.Manager

	registryMutex sync.RWMutex
	registry      map[string]*heap.Table
	nextTableID   uint32

	listener net.Listener
}

func newServer(cfg *config.Config, inMemory bool, logger *logging.Logger) (*server, error) {
	var compressor bufferpool.Compressor
	if cfg.Database.PageCompression != "" {
		c, err := bufferpool.NewCompressor(cfg.Database.PageCompression)
		if err != nil {
			return nil, fmt.Errorf("compressor: %w", err)
		}
		compressor = c
	}

	// A configured compressor needs its pages' disk slot widened by the
	// header flushLocked/Fetch use to carry algorithm and length (see
	// bufferpool.CompressionHeaderSize): with no compressor, pages stay
	// exactly PageSize, unchanged from before compression existed.
	diskPageBytes := uint32(bufferpool.PageSize)
	if compressor != nil {
		diskPageBytes += bufferpool.CompressionHeaderSize
	}

	var disk bufferpool.Disk
	if inMemory {
		disk = bufferpool.NewMemDisk()
	} else {
		if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		fileDisk, err := bufferpool.NewFileDisk(cfg.Database.DataDir, diskPageBytes)
		if err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		disk = fileDisk
	}

	pages := bufferpool.NewManager(cfg.Database.PoolSize, disk, compressor, logger.With("bufferpool"))
	log := txnlog.New(pages)
	locks := transaction.NewLockManager(cfg.Database.LockTimeout)
	txns := transaction.NewManager(log, locks, logger.With("transaction"))

	s := &server{
		cfg:         cfg,
		logger:      logger,
		pages:       pages,
		log:         log,
		locks:       locks,
		txns:        txns,
		registry:    make(map[string]*heap.Table),
		nextTableID: 1,
	}

	if cfg.Database.Bootstrap {
		if err := txns.Bootstrap(); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		demo, err := s.createTable("demo", []heap.Column{
			{Name: "id", Type: heap.Int32},
			{Name: "label", Type: heap.String},
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap demo table: %w", err)
		}
		// Seed one row using the special bootstrap transaction (spec.md
		// §4.3), the only transaction allowed to act before any ordinary
		// transaction has been started.
		seed := txns.BootstrapTransaction()
		if _, err := demo.Insert(seed, []heap.Value{
			heap.Int32Value(0),
			heap.StringValue("bootstrap"),
		}); err != nil {
			return nil, fmt.Errorf("bootstrap seed row: %w", err)
		}
		if err := seed.Commit(); err != nil {
			return nil, fmt.Errorf("bootstrap seed commit: %w", err)
		}
	} else {
		if err := txns.Restore(); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}

	return s, nil
}

// createTable allocates a fresh table id, creates its on-disk table, and
// registers it so ".tables" can list it.
func (s *server) createTable(name string, columns []heap.Column) (*heap.Table, error) {
	s.registryMutex.Lock()
	defer s.registryMutex.Unlock()

	if _, exists := s.registry[name]; exists {
		return nil, fmt.Errorf("table %q already exists", name)
	}
	id := s.nextTableID
	s.nextTableID++

	table := heap.NewTable(id, columns, s.pages, s.locks, s.txns)
	if err := table.Create(); err != nil {
		return nil, err
	}
	s.registry[name] = table
	return table, nil
}

func (s *server) tableNames() []string {
	s.registryMutex.RLock()
	defer s.registryMutex.RUnlock()

	names := make([]string, 0, len(s.registry))
	for name := range s.registry {
		names = append(names, name)
	}
	return names
}

func (s *server) run() {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.logger.Error("listen failed", map[string]interface{}{"addr": s.cfg.Addr(), "error": err.Error()})
		os.Exit(1)
	}
	s.listener = listener
	s.logger.Info("listening", map[string]interface{}{"addr": s.cfg.Addr()})

	var wg sync.WaitGroup
	done := make(chan struct{})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		close(done)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				wg.Wait()
				s.shutdown()
				return
			default:
				s.logger.Warn("accept error", map[string]interface{}{"error": err.Error()})
				continue
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *server) shutdown() {
	s.logger.Info("shutting down", nil)
	if err := s.pages.FlushAll(); err != nil {
		s.logger.Error("flush on shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// handleConn services one client connection as a line-oriented session:
// each line is either .exit, .tables, or an opaque SQL string (spec.md §6).
func (s *server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Time{})

	scanner := bufio.NewScanner(conn)
	fmt.Fprintln(conn, "txnstore ready")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == ".exit":
			fmt.Fprintln(conn, "bye")
			return
		case line == ".tables":
			names := s.tableNames()
			if len(names) == 0 {
				fmt.Fprintln(conn, "(no tables)")
				continue
			}
			for _, name := range names {
				fmt.Fprintln(conn, name)
			}
		default:
			fmt.Fprintf(conn, "not implemented: %s\n", line)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		s.logger.Warn("connection read error", map[string]interface{}{"error": err.Error()})
	}
}
