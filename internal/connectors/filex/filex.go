// Package filex implements the file-based connectors: local filesystem,
// FTP, SFTP, and WebDAV. Each lists a remote directory and ingests every
// matching file as a PreStagedPayload once it has been copied locally
// through an atomic temp-file-then-rename download, the same safety
// pattern the teacher's network.DownloadFile uses for HTTP downloads.
package filex

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"github.com/studio-b12/gowebdav"
	"golang.org/x/crypto/ssh"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
)

// defaultConnectTimeout bounds Connect for every network-backed connector in
// this package, independent of whatever deadline the caller's context
// already carries.
const defaultConnectTimeout = 10 * time.Second

func connectTimeoutOf(raw map[string]any) time.Duration {
	s, ok := raw["connect_timeout"].(string)
	if !ok || s == "" {
		return defaultConnectTimeout
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultConnectTimeout
	}
	return d
}

func init() {
	connectors.Register("file", newLocalConnector)
	connectors.Register("ftp", newFTPConnector)
	connectors.Register("sftp", newSFTPConnector)
	connectors.Register("webdav", newWebDAVConnector)
}

// downloadDir is where every connector in this package stages its local
// copies before handing paths back as a PreStagedPayload; the staging
// writer passes these paths through as they are, without reading or
// re-serializing the files.
const downloadDir = "./lake/_incoming"

// --- local filesystem --------------------------------------------------

type localConnector struct {
	root      string
	connected bool
}

func newLocalConnector(raw map[string]any) (connectors.Connector, error) {
	root := stringOf(raw["root"])
	if root == "" {
		return nil, fmt.Errorf("file connector: root is required")
	}
	return &localConnector{root: root}, nil
}

func (c *localConnector) Connect(ctx context.Context) error {
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("file connector: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("file connector: %s is not a directory", c.root)
	}
	c.connected = true
	return nil
}

// Fetch treats query as a glob pattern relative to root (defaulting to
// "*") and returns the matching paths (root joined with each match, so
// relative when root is relative) directly, with no copy step, since they
// are already local.
func (c *localConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.connected); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("file connector: %w", err)
	}

	pattern := query
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(c.root, pattern))
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("file connector: globbing: %w", err)
	}
	return contract.IngestionResult{Protocol: "file", Success: true, Items: []contract.IngestedItem{{
		Source:   c.root,
		Protocol: "file",
		Payload:  contract.PreStagedPayload{Paths: matches},
	}}}, nil
}

func (c *localConnector) Close() error { return nil }

// --- FTP -----------------------------------------------------------------

type ftpConnector struct {
	addr, user, password, dir string
	connectTimeout            time.Duration
	conn                      *ftp.ServerConn
}

func newFTPConnector(raw map[string]any) (connectors.Connector, error) {
	c := &ftpConnector{
		addr:           stringOf(raw["addr"]),
		user:           stringOf(raw["user"]),
		password:       stringOf(raw["password"]),
		dir:            stringOf(raw["dir"]),
		connectTimeout: connectTimeoutOf(raw),
	}
	if c.addr == "" {
		return nil, fmt.Errorf("ftp connector: addr is required")
	}
	return c, nil
}

func (c *ftpConnector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := ftp.Dial(c.addr, ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp connector: dialing: %w", err)
	}
	if c.user != "" {
		if err := conn.Login(c.user, c.password); err != nil {
			conn.Quit()
			return fmt.Errorf("ftp connector: login: %w", err)
		}
	}
	c.conn = conn
	return nil
}

// Fetch lists query (a remote directory, defaulting to cfg.dir or "/")
// and downloads every regular file found there into downloadDir,
// returning the local paths as a PreStagedPayload.
func (c *ftpConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.conn != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("ftp connector: %w", err)
	}

	dir := query
	if dir == "" {
		dir = c.dir
	}
	if dir == "" {
		dir = "/"
	}

	entries, err := c.conn.List(dir)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("ftp connector: listing %s: %w", dir, err)
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("ftp connector: creating download dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		remotePath := path.Join(dir, entry.Name)
		localPath, err := downloadAtomic(downloadDir, entry.Name, func(w io.Writer) error {
			resp, err := c.conn.Retr(remotePath)
			if err != nil {
				return err
			}
			defer resp.Close()
			_, err = io.Copy(w, resp)
			return err
		})
		if err != nil {
			return contract.IngestionResult{}, fmt.Errorf("ftp connector: downloading %s: %w", remotePath, err)
		}
		paths = append(paths, localPath)
	}

	return contract.IngestionResult{Protocol: "ftp", Success: true, Items: []contract.IngestedItem{{
		Source:   c.addr,
		Protocol: "ftp",
		Payload:  contract.PreStagedPayload{Paths: paths},
	}}}, nil
}

func (c *ftpConnector) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Quit()
}

// --- SFTP ------------------------------------------------------------

type sftpConnector struct {
	addr, user, password, dir string
	connectTimeout            time.Duration
	sshClient                 *ssh.Client
	client                    *sftp.Client
}

func newSFTPConnector(raw map[string]any) (connectors.Connector, error) {
	c := &sftpConnector{
		addr:           stringOf(raw["addr"]),
		user:           stringOf(raw["user"]),
		password:       stringOf(raw["password"]),
		dir:            stringOf(raw["dir"]),
		connectTimeout: connectTimeoutOf(raw),
	}
	if c.addr == "" {
		return nil, fmt.Errorf("sftp connector: addr is required")
	}
	return c, nil
}

func (c *sftpConnector) Connect(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.connectTimeout,
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.connectTimeout)
	if err != nil {
		return fmt.Errorf("sftp connector: dialing: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("sftp connector: handshake: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("sftp connector: opening session: %w", err)
	}
	c.sshClient = sshClient
	c.client = client
	return nil
}

func (c *sftpConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.client != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sftp connector: %w", err)
	}

	dir := query
	if dir == "" {
		dir = c.dir
	}
	if dir == "" {
		dir = "/"
	}

	entries, err := c.client.ReadDir(dir)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sftp connector: reading %s: %w", dir, err)
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("sftp connector: creating download dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		remotePath := path.Join(dir, entry.Name())
		localPath, err := downloadAtomic(downloadDir, entry.Name(), func(w io.Writer) error {
			f, err := c.client.Open(remotePath)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		})
		if err != nil {
			return contract.IngestionResult{}, fmt.Errorf("sftp connector: downloading %s: %w", remotePath, err)
		}
		paths = append(paths, localPath)
	}

	return contract.IngestionResult{Protocol: "sftp", Success: true, Items: []contract.IngestedItem{{
		Source:   c.addr,
		Protocol: "sftp",
		Payload:  contract.PreStagedPayload{Paths: paths},
	}}}, nil
}

func (c *sftpConnector) Close() error {
	var firstErr error
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			firstErr = err
		}
	}
	if c.sshClient != nil {
		if err := c.sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- WebDAV --------------------------------------------------------------

type webdavConnector struct {
	baseURL, user, password, dir string
	connectTimeout               time.Duration
	client                       *gowebdav.Client
}

func newWebDAVConnector(raw map[string]any) (connectors.Connector, error) {
	c := &webdavConnector{
		baseURL:        stringOf(raw["url"]),
		user:           stringOf(raw["user"]),
		password:       stringOf(raw["password"]),
		dir:            stringOf(raw["dir"]),
		connectTimeout: connectTimeoutOf(raw),
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("webdav connector: url is required")
	}
	return c, nil
}

func (c *webdavConnector) Connect(ctx context.Context) error {
	client := gowebdav.NewClient(c.baseURL, c.user, c.password)
	client.SetTimeout(c.connectTimeout)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("webdav connector: connecting: %w", err)
	}
	c.client = client
	return nil
}

func (c *webdavConnector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.client != nil); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("webdav connector: %w", err)
	}

	dir := query
	if dir == "" {
		dir = c.dir
	}
	if dir == "" {
		dir = "/"
	}

	entries, err := c.client.ReadDir(dir)
	if err != nil {
		return contract.IngestionResult{}, fmt.Errorf("webdav connector: reading %s: %w", dir, err)
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("webdav connector: creating download dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		remotePath := path.Join(dir, entry.Name())
		localPath, err := downloadAtomic(downloadDir, entry.Name(), func(w io.Writer) error {
			r, err := c.client.ReadStream(remotePath)
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(w, r)
			return err
		})
		if err != nil {
			return contract.IngestionResult{}, fmt.Errorf("webdav connector: downloading %s: %w", remotePath, err)
		}
		paths = append(paths, localPath)
	}

	return contract.IngestionResult{Protocol: "webdav", Success: true, Items: []contract.IngestedItem{{
		Source:   c.baseURL,
		Protocol: "webdav",
		Payload:  contract.PreStagedPayload{Paths: paths},
	}}}, nil
}

func (c *webdavConnector) Close() error { return nil }

// --- shared download helper -------------------------------------------

// downloadAtomic writes through write to a temp file under dir and renames
// it to name only after write returns with no error, mirroring the
// teacher's DownloadFile safeguard against partial files on failure.
func downloadAtomic(dir, name string, write func(io.Writer) error) (string, error) {
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
