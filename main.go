package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/objstore"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/server"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	minResolvedTTL = time.Minute
	maxResolvedTTL = 30 * 24 * time.Hour
)

var (
	flagAddr         = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "minichat.pid", "pid file")
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic of message insert events")
	flagKafkaGroup   = flag.String("kafka-group", "minichat-bridge", "kafka consumer group of this node, unique per node")

	flagObjectsDb      = flag.String("objects-db", "objects.db", "bbolt file of attachment objects")
	flagObjectsBucket  = flag.String("objects-bucket", attachment.Bucket, "bucket of attachment objects")
	flagObjectsQuotaMb = flag.Uint("objects-quota-mb", 1024, "total size quota of attachment objects in MiB, 0 for unlimited")
	flagPublicBaseUrl  = flag.String("public-base-url", "http://127.0.0.1:8000", "base url of object download links")

	flagCleanResolved = flag.Bool("clean-resolved", true, "delete resolved complaints periodically")
	flagResolvedTTL   = flag.Duration("resolved-ttl", 30*time.Minute, "delete resolved complaints not updated for this long")

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

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}
	defer db.Close()

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	glog.Info("minichat server is starting")

	// The server never inserts messages, so it needs no publisher.
	records := store.NewMysqlStore(db, nil)
	if err := records.EnsureSchema(context.Background()); err != nil {
		return errorf("mysql: %v", err)
	}

	objects, err := objstore.Open(*flagObjectsDb, *flagObjectsBucket, int64(*flagObjectsQuotaMb)<<20, *flagPublicBaseUrl)
	if err != nil {
		return errorf("--objects-db: error open `%s`: %v", *flagObjectsDb, err)
	}
	defer objects.Close()

	authClient := newAuthClient()
	upstream := push.NewKafkaChannel(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic, *flagKafkaGroup)
	upstream.Start(context.Background())
	defer upstream.Close()
	hub := ws.NewHub(authClient, upstream, records)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.Handle(objstore.PathPrefix, &objstore.Handler{
		Store:    objects,
		Auth:     authClient,
		MaxBytes: attachment.MaxBytes,
	})

	srv := server.NewStandalone(&server.ServerCfg{
		Addr:          *flagAddr,
		Mux:           mux,
		Hub:           hub,
		Cleaner:       records,
		CleanResolved: *flagCleanResolved,
		ResolvedTTL:   *flagResolvedTTL,
	})
	if _, err := srv.Listen(); err != nil {
		return errorf("--addr: %v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, stopNotifyChan)

	glog.Infof("minichat server is started")
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			(&Profiler{dataDir: pprofDir}).dumpGoroutines()
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

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
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

	if *flagMysqlDsn == "" {
		return errorf("--mysql-dsn is required.")
	}
	if *flagKafkaBrokers == "" {
		return errorf("--kafka-brokers is required.")
	}
	if *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required.")
	}
	if *flagKafkaGroup == "" {
		return errorf("--kafka-group is required.")
	}

	if *flagObjectsDb == "" {
		return errorf("--objects-db is required.")
	}
	if *flagObjectsBucket == "" {
		return errorf("--objects-bucket is required.")
	}
	if u, err := url.Parse(*flagPublicBaseUrl); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errorf("--public-base-url: expect http(s) url, got `%s`", *flagPublicBaseUrl)
	}

	if *flagCleanResolved {
		if *flagResolvedTTL < minResolvedTTL || *flagResolvedTTL > maxResolvedTTL {
			return errorf("invalid --resolved-ttl, expect in range [%s, %s]", minResolvedTTL, maxResolvedTTL)
		}
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
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
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

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
