package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/server"
	"github.com/mqy/minichat/sidebar"
	"github.com/mqy/minichat/ws"
)

const (
	envJwtSecret = "MINICHAT_JWT_SECRET"
	envMysqlDsn  = "MINICHAT_MYSQL_DSN"
	envMongoUri  = "MINICHAT_MONGO_URI"

	startupTimeout = 10 * time.Second
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")
	flagEnvFile = flag.String("env-file", ".env", "optional dotenv file, loaded before reading MINICHAT_* variables")

	flagStore     = flag.String("store", "bolt", "chat store: memory, bolt, mysql or mongo")
	flagBoltPath  = flag.String("bolt-path", "minichat.db", "bolt: database file")
	flagMysqlDsn  = flag.String("mysql-dsn", "", "mysql server dsn, parseTime=true is required, default $"+envMysqlDsn)
	flagMongoUri  = flag.String("mongo-uri", "", "mongodb uri, default $"+envMongoUri)
	flagMongoDb   = flag.String("mongo-db", "minichat", "mongodb database name")
	flagDirectory = flag.String("directory", "memory", "account directory: memory, mysql or mongo")
	flagAccounts  = flag.String("accounts", "accounts.yaml", "memory directory: YAML seed file of users")

	flagJwtSecret = flag.String("jwt-secret", "", "HS256 secret of session tokens, default $"+envJwtSecret)
	flagMockAuth  = flag.Bool("mock-auth", false, "trust the x-uid cookie instead of tokens, development only")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty disables message events")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-messages", "kafka topic of message events")

	flagSessionQuota    = flag.Uint("session-quota", 5, "per user session quota, allowed value in [1, 10]")
	flagPresencePolicy  = flag.String("presence-policy", string(ws.PresenceAny), "when a closing connection takes its user offline: any or all")
	flagEventsPerSecond = flag.Float64("events-per-second", 20, "per connection inbound events per second, 0 disables the limit")
	flagEventsBurst     = flag.Int("events-burst", 40, "per connection inbound events burst")
	flagTimeLayout      = flag.String("time-layout", sidebar.DefaultLayout, "sidebar time layout, see time.Format")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	loadEnv()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("minichat server is starting")

	startCtx, startCancel := context.WithTimeout(context.Background(), startupTimeout)
	b, err := openBackends(startCtx)
	startCancel()
	if err != nil {
		return errorf("open backends: %v", err)
	}
	defer b.close()

	projector := sidebar.NewProjector(b.store, b.directory)
	projector.Layout = *flagTimeLayout

	hub := ws.NewHub(&ws.Config{
		SessionQuota:    int(*flagSessionQuota),
		PresencePolicy:  ws.PresencePolicy(*flagPresencePolicy),
		EventsPerSecond: *flagEventsPerSecond,
		EventsBurst:     *flagEventsBurst,
	}, newAuthClient(b), b.store, b.directory, projector, presence.NewRegistry())

	if *flagKafkaBrokers != "" {
		publisher := events.NewPublisher(
			events.NewKafkaWriter(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic),
			events.DefaultMaxBytes,
		)
		defer publisher.Close()
		hub.Api().SetNotifier(publisher)
		glog.Infof("message events are published to kafka topic %s", *flagKafkaTopic)
	}

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	srv := server.New(&server.Config{
		Addr:    *flagAddr,
		Handler: mux,
		Hub:     hub,
	})
	if err := srv.Listen(); err != nil {
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, stopNotifyChan)

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat server exited")
	return 0
}

// loadEnv loads the dotenv file and fills unset secret flags from the
// environment.
func loadEnv() {
	if err := godotenv.Load(*flagEnvFile); err != nil && !os.IsNotExist(err) {
		glog.Warningf("load env file %s: %v", *flagEnvFile, err)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for name, env := range map[string]string{
		"jwt-secret": envJwtSecret,
		"mysql-dsn":  envMysqlDsn,
		"mongo-uri":  envMongoUri,
	} {
		if v := os.Getenv(env); v != "" && !set[name] {
			_ = flag.Set(name, v)
		}
	}
}

func newAuthClient(b *backends) auth.Client {
	if *flagMockAuth {
		glog.Warningf("--mock-auth is on, the x-uid cookie is trusted")
		return &auth.MockClient{}
	}
	return auth.NewJwtClient(*flagJwtSecret, b.directory)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case storeMemory:
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case storeMysql:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	case storeMongo:
		if *flagMongoUri == "" || *flagMongoDb == "" {
			return errorf("--mongo-uri and --mongo-db are required")
		}
	default:
		return errorf("invalid --store: %s", *flagStore)
	}

	switch *flagDirectory {
	case storeMemory:
		if *flagAccounts == "" {
			return errorf("--accounts is required")
		}
		if _, err := os.Stat(*flagAccounts); err != nil {
			return errorf("error stat accounts file `%s`: %v", *flagAccounts, err)
		}
	case storeMysql:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	case storeMongo:
		if *flagMongoUri == "" || *flagMongoDb == "" {
			return errorf("--mongo-uri and --mongo-db are required")
		}
	default:
		return errorf("invalid --directory: %s", *flagDirectory)
	}

	if !*flagMockAuth && *flagJwtSecret == "" {
		return errorf("--jwt-secret is required unless --mock-auth")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	switch ws.PresencePolicy(*flagPresencePolicy) {
	case ws.PresenceAny, ws.PresenceAll:
	default:
		return errorf("invalid --presence-policy: %s", *flagPresencePolicy)
	}

	if *flagEventsPerSecond < 0 {
		return errorf("--events-per-second MUST not be negative")
	}
	if *flagEventsPerSecond > 0 && *flagEventsBurst < 1 {
		return errorf("--events-burst MUST be positive when --events-per-second is set")
	}

	if *flagTimeLayout == "" {
		return errorf("--time-layout is required")
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
