// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command catalogd serves one repository's writable catalog tree,
// object store, and tag history: a CBOR control-plane socket for
// directory-entry mutations, catalog balancing, commits, and tag
// management, plus a length-prefixed receiver socket for session-token
// issuance and payload submission during a publish session.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/catalogengine/lib/blobstore"
	"github.com/bureau-foundation/catalogengine/lib/catalogreader"
	"github.com/bureau-foundation/catalogengine/lib/catalogtree"
	"github.com/bureau-foundation/catalogengine/lib/clock"
	"github.com/bureau-foundation/catalogengine/lib/config"
	"github.com/bureau-foundation/catalogengine/lib/process"
	"github.com/bureau-foundation/catalogengine/lib/receiveripc"
	"github.com/bureau-foundation/catalogengine/lib/secret"
	"github.com/bureau-foundation/catalogengine/lib/service"
	"github.com/bureau-foundation/catalogengine/lib/servicetoken"
	"github.com/bureau-foundation/catalogengine/lib/tagstore"
	"github.com/bureau-foundation/catalogengine/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		showVersion    bool
		configPath     string
		repoRoot       string
		controlSocket  string
		receiverSocket string
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", os.Getenv("CATALOGENGINE_CONFIG"), "path to a YAML config file (default: $CATALOGENGINE_CONFIG)")
	flag.StringVar(&repoRoot, "repo-root", "", "directory holding the repository's catalogs, objects, tags, and signing keys (overrides paths.root)")
	flag.StringVar(&controlSocket, "control-socket", "", "path of the CBOR control-plane socket (overrides sockets.control)")
	flag.StringVar(&receiverSocket, "receiver-socket", "", "path of the publish-session receiver socket (overrides sockets.receiver)")
	flag.Parse()

	if showVersion {
		version.Print("catalogd")
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("catalogd: %w", err)
		}
		cfg = loaded
	}
	if repoRoot != "" {
		cfg.Paths.Root = repoRoot
	}
	if controlSocket != "" {
		cfg.Sockets.Control = controlSocket
	}
	if receiverSocket != "" {
		cfg.Sockets.Receiver = receiverSocket
	}
	if cfg.Paths.Root == "" {
		return fmt.Errorf("catalogd: -repo-root or paths.root in -config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("catalogd: invalid configuration: %w", err)
	}
	repoRoot = cfg.Paths.Root

	if err := os.MkdirAll(repoRoot, 0o755); err != nil {
		return fmt.Errorf("catalogd: creating repo root: %w", err)
	}

	logger := service.NewLoggerAt(service.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := blobstore.Open(repoRoot)
	if err != nil {
		return err
	}

	catalogDir := filepath.Join(repoRoot, "catalogs")
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return fmt.Errorf("catalogd: creating catalog directory: %w", err)
	}
	balancer := catalogtree.Balancer{MaxWeight: cfg.Balancer.MaxWeight, MinWeight: cfg.Balancer.MinWeight}
	tree, err := catalogtree.NewManager(catalogStorePath(catalogDir), balancer)
	if err != nil {
		return err
	}
	defer tree.Close()

	reader := catalogreader.New(catalogStorePath(catalogDir), logger, cfg.Pool.Size)
	defer reader.Close()

	tags, err := tagstore.Open(filepath.Join(repoRoot, "tags.db"))
	if err != nil {
		return err
	}
	defer tags.Close()

	_, signingKey, generated, err := servicetoken.LoadOrGenerateKeypair(repoRoot)
	if err != nil {
		return fmt.Errorf("catalogd: loading manifest signing key: %w", err)
	}
	if generated {
		logger.Info("generated new manifest signing keypair", "repo_root", repoRoot)
	}

	sessionKey, generated, err := loadOrGenerateSessionKey(repoRoot)
	if err != nil {
		return fmt.Errorf("catalogd: loading session signing key: %w", err)
	}
	defer sessionKey.Close()
	if generated {
		logger.Info("generated new session signing key", "repo_root", repoRoot)
	}

	payloads := newPayloadAdapter(blobs)
	tokens := newTokenAdapter(sessionKey.Bytes())
	svc := &CatalogService{
		logger:     logger,
		clock:      clock.Real(),
		blobs:      blobs,
		tree:       tree,
		tags:       tags,
		reader:     reader,
		signingKey: signingKey,
		payloads:   payloads,
		tokens:     tokens,
	}

	controlSocket = cfg.ControlSocketPath()
	receiverSocket = cfg.ReceiverSocketPath()

	controlServer := service.NewSocketServer(controlSocket, logger)
	svc.registerActions(controlServer)

	receiverHandler := &receiveripc.Handler{
		Tokens:   tokens,
		Payloads: payloads,
	}
	receiver := newReceiverServer(receiverSocket, receiverHandler, logger)

	controlDone := make(chan error, 1)
	go func() { controlDone <- controlServer.Serve(ctx) }()

	receiverDone := make(chan error, 1)
	go func() { receiverDone <- receiver.Serve(ctx) }()

	go runBlacklistCleanup(ctx, tokens)

	logger.Info("catalogd running",
		"repo_root", repoRoot,
		"control_socket", controlSocket,
		"receiver_socket", receiverSocket,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-controlDone; err != nil {
		logger.Error("control socket server error", "error", err)
	}
	if err := <-receiverDone; err != nil {
		logger.Error("receiver socket server error", "error", err)
	}

	return nil
}

// runBlacklistCleanup periodically sweeps tokens' revocation set for
// entries whose lease has expired on its own, so a long-running daemon
// doesn't accumulate one blacklist entry per rollback forever.
func runBlacklistCleanup(ctx context.Context, tokens *tokenAdapter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tokens.cleanupRevocations(now)
		}
	}
}

// catalogStorePath maps a catalog mountpoint to its backing SQLite
// file under dir. The root catalog lives at dir/root.catalog; nested
// catalogs are named from their mountpoint with slashes flattened, so
// "/vendor/pkg" becomes dir/vendor_pkg.catalog.
func catalogStorePath(dir string) catalogtree.StoreDirFunc {
	return func(mountpoint string) string {
		if mountpoint == "/" {
			return filepath.Join(dir, "root.catalog")
		}
		name := strings.ReplaceAll(strings.Trim(mountpoint, "/"), "/", "_")
		return filepath.Join(dir, name+".catalog")
	}
}

const sessionKeyFile = "session-signing-key"

// loadOrGenerateSessionKey loads the per-repository HMAC key used to
// sign session tokens, generating and persisting a new 32-byte key on
// first run. The key is held in mlock'd, core-dump-excluded memory for
// the rest of the process's life; the caller must Close it on
// shutdown.
func loadOrGenerateSessionKey(repoRoot string) (key *secret.Buffer, generated bool, err error) {
	path := filepath.Join(repoRoot, sessionKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		buf, bufErr := secret.NewFromBytes(data)
		if bufErr != nil {
			return nil, false, fmt.Errorf("protecting session key: %w", bufErr)
		}
		return buf, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("reading session key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, fmt.Errorf("generating session key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		secret.Zero(raw)
		return nil, false, fmt.Errorf("writing session key: %w", err)
	}

	buf, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, false, fmt.Errorf("protecting session key: %w", err)
	}
	return buf, true, nil
}
