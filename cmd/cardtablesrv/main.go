package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/vctt94/cardtable/pkg/imagecache"
	"github.com/vctt94/cardtable/pkg/search"
	"github.com/vctt94/cardtable/pkg/server"
	"github.com/vctt94/cardtable/pkg/store"
	"github.com/vctt94/cardtable/pkg/table"
)

func main() {
	var (
		dbPath     string
		listen     string
		cacheDir   string
		cardsDir   string
		localDBDir string
		catalog    string
		maxGames   int
		learner    bool
		debugLevel string
	)
	flag.StringVar(&dbPath, "db", "", "Path to the leveldb store (created if missing)")
	flag.StringVar(&listen, "listen", "127.0.0.1:8080", "Address to listen on")
	flag.StringVar(&cacheDir, "cachedir", "cache", "Directory for cached card images")
	flag.StringVar(&cardsDir, "cards", "third_party/cards52", "Directory of playing-card images")
	flag.StringVar(&localDBDir, "localdb", "", "Directory of local card scans (enables the localdb source)")
	flag.StringVar(&catalog, "catalog", "", "Card catalog CSV used for ranking and deck synthesis")
	flag.IntVar(&maxGames, "maxgames", server.DefaultMaxGames, "Maximum live games per scope")
	flag.BoolVar(&learner, "learner", false, "Warm the query cache in the background")
	flag.StringVar(&debugLevel, "debuglevel", "info", "Logging level: trace, debug, info, warn, error")
	flag.Parse()

	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "cardtable.db")
	}

	logBackend, err := logging.NewLogBackend(logging.LogConfig{DebugLevel: debugLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}
	log := logBackend.Logger("SRVR")

	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	images, err := imagecache.New(imagecache.Config{
		Log:           logBackend.Logger("CACH"),
		Dir:           cacheDir,
		ServingPrefix: "/cache/",
	}, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init image cache: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	cat := search.LoadCatalog(logBackend.Logger("CTLG"), catalog)
	plugins := map[string]search.Plugin{
		"poker": search.NewPokerPlugin(cardsDir,
			filepath.Join(cardsDir, "Red_Back.png"), rng),
		"magiccards.info": search.NewMagicCardsInfoPlugin(
			logBackend.Logger("FIND"), cat, ""),
	}
	if localDBDir != "" {
		plugins["localdb"] = search.NewLocalDBPlugin(
			logBackend.Logger("FIND"), localDBDir, cat)
	}

	finder, err := search.NewFinder(logBackend.Logger("FIND"), db, images, plugins)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init finder: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Config{
		LogBackend: logBackend,
		DB:         db,
		Finder:     finder,
		Loader:     table.NewLoader(logBackend.Logger("GAME"), images),
		MaxGames:   maxGames,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if learner {
		l, err := server.NewLearner(logBackend.Logger("LRNR"), db, finder, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to init learner: %v\n", err)
			os.Exit(1)
		}
		go l.Run(ctx)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", srv.HandleWS)
	r.HandleFunc("/sources", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(finder.AllSources())
	})
	r.PathPrefix("/cache/").Handler(http.StripPrefix("/cache/",
		http.FileServer(http.Dir(images.Dir()))))

	httpSrv := &http.Server{Addr: listen, Handler: r}
	go func() {
		<-ctx.Done()
		log.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("Listening on %s", listen)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}
