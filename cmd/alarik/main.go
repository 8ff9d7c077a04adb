// Command alarik runs the S3-compatible object storage server over a local
// directory tree.
package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lazoart/alarik"
	"github.com/lazoart/alarik/backend/s3afero"
	"github.com/lazoart/alarik/catalog"
)

type serverOptions struct {
	Listen           string
	DataDir          string
	BucketsRoot      string
	MultipartRoot    string
	DBPath           string
	Region           string
	MaxBodySize      int64
	LogLevel         string
	InitialAccessKey string
	InitialSecretKey string
}

var opts serverOptions

var rootCmd = &cobra.Command{
	Use:   "alarik",
	Short: "Self-hosted S3-compatible object storage server",
	Long: `Alarik serves the Amazon S3 HTTP API over a directory on the local
filesystem. Existing S3 tooling (aws CLI, SDKs) works against it unchanged
using AWS Signature Version 4 credentials kept in a small local catalog.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.Listen, "listen", ":9000", "listen address")
	f.StringVar(&opts.DataDir, "data-dir", "./data", "base directory for all state; individual roots override it")
	f.StringVar(&opts.BucketsRoot, "buckets-root", "", "directory holding bucket trees (default <data-dir>/buckets)")
	f.StringVar(&opts.MultipartRoot, "multipart-root", "", "directory holding multipart scratch areas (default <data-dir>/multipart)")
	f.StringVar(&opts.DBPath, "db", "", "catalog database path (default <data-dir>/catalog.db)")
	f.StringVar(&opts.Region, "region", "us-east-1", "region echoed in LocationConstraint responses")
	f.Int64Var(&opts.MaxBodySize, "max-body-size", alarik.DefaultMaxBodySize, "maximum request body size in bytes")
	f.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&opts.InitialAccessKey, "initial-access-key", "", "bootstrap access key created on first start")
	f.StringVar(&opts.InitialSecretKey, "initial-secret-key", "", "secret for the bootstrap access key")
}

func runServer() error {
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if opts.BucketsRoot == "" {
		opts.BucketsRoot = filepath.Join(opts.DataDir, "buckets")
	}
	if opts.MultipartRoot == "" {
		opts.MultipartRoot = filepath.Join(opts.DataDir, "multipart")
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(opts.DataDir, "catalog.db")
	}

	for _, dir := range []string{opts.BucketsRoot, opts.MultipartRoot, filepath.Dir(opts.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	store, err := catalog.Open(opts.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.InitialAccessKey != "" && opts.InitialSecretKey != "" {
		if err := bootstrapCredentials(store); err != nil {
			return err
		}
	}

	creds, err := catalog.LoadCache(store, time.Now().UTC())
	if err != nil {
		return err
	}

	backend := s3afero.New(afero.NewBasePathFs(afero.NewOsFs(), opts.BucketsRoot))
	multipartFs := afero.NewBasePathFs(afero.NewOsFs(), opts.MultipartRoot)

	server := alarik.New(backend, multipartFs,
		alarik.WithCredentials(creds),
		alarik.WithRegion(opts.Region),
		alarik.WithMaxBodySize(opts.MaxBodySize),
		alarik.WithGlobalLog(),
	)

	logrus.WithFields(logrus.Fields{
		"listen":  opts.Listen,
		"buckets": opts.BucketsRoot,
		"db":      opts.DBPath,
	}).Info("starting server")

	return http.ListenAndServe(opts.Listen, server.Server())
}

// bootstrapCredentials makes a fresh install usable by the aws CLI
// immediately: an admin user plus one access key, created only when the key
// is not already in the catalog.
func bootstrapCredentials(store *catalog.Store) error {
	if _, err := store.GetAccessKey(opts.InitialAccessKey); err == nil {
		return nil
	}

	now := time.Now().UTC()
	admin := catalog.User{
		ID:        "admin",
		Username:  "admin",
		IsAdmin:   true,
		CreatedAt: now,
	}
	if err := store.PutUser(admin); err != nil {
		return err
	}

	err := store.AddAccessKey(catalog.AccessKey{
		ID:              opts.InitialAccessKey,
		OwnerUserID:     admin.ID,
		AccessKeyID:     opts.InitialAccessKey,
		SecretAccessKey: opts.InitialSecretKey,
		CreatedAt:       now,
	})
	if err != nil {
		return err
	}

	logrus.WithField("accessKey", opts.InitialAccessKey).Info("bootstrap credentials created")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
