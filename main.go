package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	httpHelper "github.com/Luzifer/go_helpers/http"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/rconfig/v2"

	"github.com/Luzifer/downpour/pkg/cache"
	"github.com/Luzifer/downpour/pkg/cache/gcs"
	"github.com/Luzifer/downpour/pkg/cache/local"
	"github.com/Luzifer/downpour/pkg/fetch"
)

var (
	cfg = struct {
		Listen         string `flag:"listen" default:":3000" description:"Port/IP to listen on"`
		LogLevel       string `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		StorageBucket  string `flag:"storage-bucket" default:"" description:"GCS bucket URI (gs://bucket/prefix) to use instead of local storage"`
		StorageDir     string `flag:"storage-dir" default:"./data/" description:"Where to store cached files"`
		UserAgent      string `flag:"user-agent" default:"" description:"User-Agent to send on upstream requests"`
		VersionAndExit bool   `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	fetcher   *fetch.Fetcher
	gcsBucket *gcs.Bucket

	version = "dev"
)

func init() {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		log.Fatalf("Unable to parse commandline options: %s", err)
	}

	if cfg.VersionAndExit {
		fmt.Printf("downpour %s\n", version)
		os.Exit(0)
	}

	if l, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("Unable to parse log level")
	} else {
		log.SetLevel(l)
	}
}

func main() {
	if cfg.StorageBucket != "" {
		var err error
		if gcsBucket, err = gcs.NewBucket(cfg.StorageBucket); err != nil {
			log.WithError(err).Fatal("Unable to open storage bucket")
		}
	}

	fetcher = &fetch.Fetcher{UserAgent: cfg.UserAgent}

	r := mux.NewRouter()
	r.PathPrefix("/latest/").HandlerFunc(handleCacheLatest)
	r.PathPrefix("/").HandlerFunc(handleCacheOnce)

	r.SkipClean(true)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: httpHelper.NewHTTPLogHandlerWithLogger(r, log.StandardLogger()),
	}

	if err := server.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("HTTP server exited")
	}
}

func handleCacheLatest(w http.ResponseWriter, r *http.Request) {
	handleCache(w, r, strings.TrimPrefix(r.RequestURI, "/latest/"), true)
}

func handleCacheOnce(w http.ResponseWriter, r *http.Request) {
	handleCache(w, r, strings.TrimPrefix(r.RequestURI, "/"), false)
}

func handleCache(w http.ResponseWriter, r *http.Request, uri string, update bool) {
	var (
		cacheHeader = "HIT"
		logger      = log.WithField("url", uri)
	)

	if u, err := url.Parse(uri); err != nil || u.Scheme == "" {
		http.Error(w, "Unable to parse requested URL", http.StatusBadRequest)
		return
	}

	logger.Debug("Received request")

	var (
		slot   = slotForURL(uri)
		stream io.ReadCloser
		err    error
	)

	if update || !slot.Exists() {
		logger.Debug("Updating cache")
		if !slot.Exists() {
			cacheHeader = "MISS"
		}

		stream, err = fetcher.Fetch(r.Context(), uri, slot)
		if err != nil {
			logger.WithError(err).Warn("Unable to refresh file")
		}
	} else {
		stream, err = slot.Open()
		if err != nil {
			logger.WithError(err).Error("Unable to load cached file")
		}
	}

	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("X-Cache", cacheHeader)

	if _, err = io.Copy(w, stream); err != nil {
		logger.WithError(err).Warn("Unable to deliver file")
	}

	if err = stream.Close(); err != nil {
		// The incomplete temp copy was discarded, the client got what
		// arrived and the cache slot stays as it was
		logger.WithError(err).Warn("Transfer did not finish cleanly")
	}
}

func slotForURL(uri string) cache.Slot {
	h := fmt.Sprintf("%x", sha256.Sum256([]byte(uri)))
	cachePath := path.Join(h[0:2], h)

	if gcsBucket != nil {
		return gcsBucket.Slot(cachePath)
	}

	return local.New(path.Join(cfg.StorageDir, cachePath))
}
