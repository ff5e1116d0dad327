package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/config"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/metrics"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/persistence/indexdb"
	persistlog "github.com/jaymcole/curly-octo-adventure-sub002/internal/persistence/log"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/server"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/transport/ws"
)

func main() {
	var (
		configPath   = flag.String("config", "./configs/server.yaml", "server config path")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		schemasDir   = flag.String("schemas", "./schemas", "message schema directory (empty to skip validation)")
		seed         = flag.Int64("seed", 0, "initial world seed (0 = random)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite session/epoch index")
		disableAudit = flag.Bool("disable_audit", false, "disable the compressed audit log")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", *configPath)
			cfg = config.Defaults()
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}

	var validator *protocol.Validator
	if strings.TrimSpace(*schemasDir) != "" {
		validator, err = protocol.LoadValidator(*schemasDir)
		if err != nil {
			logger.Fatalf("load schemas: %v", err)
		}
	} else {
		logger.Printf("schema validation disabled")
	}

	var audit *persistlog.AuditLogger
	if !*disableAudit {
		audit = persistlog.NewAuditLogger(*dataDir)
		defer audit.Close()
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "worldsync.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	met := metrics.New()

	controlCh := ws.NewChannel(ws.Options{
		Kind:            ws.KindControl,
		ReadBufferSize:  cfg.ControlBufferBytes,
		WriteBufferSize: cfg.ControlBufferBytes,
		OutQueue:        cfg.OutQueue,
	}, logger)
	bulkCh := ws.NewChannel(ws.Options{
		Kind:            ws.KindBulk,
		ReadBufferSize:  cfg.BulkBufferBytes,
		WriteBufferSize: cfg.BulkBufferBytes,
		OutQueue:        cfg.OutQueue,
	}, logger)

	srv := server.New(cfg, controlCh, bulkCh, logger, server.Deps{
		Validator: validator,
		Audit:     audit,
		Index:     idx,
		Metrics:   met,
	})
	controlCh.SetHandlers(srv.ControlHandlers())
	bulkCh.SetHandlers(srv.BulkHandlers())

	ctx, cancel := signalContext()
	defer cancel()

	// Generate the first world before accepting traffic so early joiners see a
	// short deferred assignment instead of an empty server.
	if *seed != 0 {
		if err := srv.Regenerate(*seed, "initial world"); err != nil {
			logger.Printf("initial generation: %v", err)
		}
	} else {
		srv.Coordinator().EnsureInitialWorld()
	}

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/v1/control", controlCh.Handler())
	controlMux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	controlMux.Handle("/metrics", met.Handler())

	enableAdminHTTP := envBool("WS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("WS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		controlMux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(srv.StateSnapshot())
		})
		controlMux.HandleFunc("/admin/v1/regenerate", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			regenSeed := time.Now().UnixNano()
			if q := r.URL.Query().Get("seed"); q != "" {
				v, err := strconv.ParseInt(q, 10, 64)
				if err != nil {
					http.Error(rw, "bad seed", http.StatusBadRequest)
					return
				}
				regenSeed = v
			}
			rw.Header().Set("Content-Type", "application/json")
			if err := srv.Regenerate(regenSeed, "admin request"); err != nil {
				rw.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(rw).Encode(map[string]any{
					"ok": false, "code": protocol.ErrRegenBusy, "error": err.Error(),
				})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "seed": regenSeed})
		})
		controlMux.HandleFunc("/admin/v1/epochs", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			rows, err := srv.EpochHistory(limit)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "epochs": rows})
		})
	} else {
		logger.Printf("admin endpoints disabled (WS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		controlMux.HandleFunc("/debug/pprof/", pprof.Index)
		controlMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		controlMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		controlMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		controlMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	bulkMux := http.NewServeMux()
	bulkMux.HandleFunc("/v1/bulk", bulkCh.Handler())
	bulkMux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	controlSrv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           controlMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	bulkSrv := &http.Server{
		Addr:              cfg.BulkAddr,
		Handler:           bulkMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = controlSrv.Shutdown(shutdownCtx)
		_ = bulkSrv.Shutdown(shutdownCtx)
		controlCh.CloseAll()
		bulkCh.CloseAll()
	}()

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("bulk channel listening on %s", cfg.BulkAddr)
		errCh <- bulkSrv.ListenAndServe()
	}()
	go func() {
		logger.Printf("control channel listening on %s", cfg.ControlAddr)
		errCh <- controlSrv.ListenAndServe()
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
