// Package sshtransfer pushes finished export files to the user's drop host
// over SSH, using SFTP for the file write.
package sshtransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// Agent implements the transfer port. Uploads are idempotent: an existing
// remote file is truncated and rewritten, so a retried job converges on the
// same remote state.
type Agent struct {
	// DialTimeout bounds the TCP connect and SSH handshake.
	DialTimeout time.Duration
	// HostKeyCallback defaults to InsecureIgnoreHostKey; drop hosts are
	// provisioned per user and not pinned.
	HostKeyCallback ssh.HostKeyCallback
}

// NewAgent constructs an Agent.
func NewAgent(dialTimeout time.Duration) *Agent {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Agent{DialTimeout: dialTimeout}
}

// Upload copies spec.LocalPath to the remote host and returns the absolute
// remote path. The remote directory is created when missing, the file mode is
// set to 0644 and the remote size is verified against the local size.
func (a *Agent) Upload(ctx domain.Context, spec domain.UploadSpec) (string, error) {
	auth, err := authMethods(spec)
	if err != nil {
		return "", err
	}

	cb := a.HostKeyCallback
	if cb == nil {
		cb = ssh.InsecureIgnoreHostKey()
	}
	cfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            auth,
		HostKeyCallback: cb,
		Timeout:         a.DialTimeout,
	}

	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	client, err := a.dial(ctx, addr, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", domain.WrapErr(domain.KindSSHConnect, fmt.Errorf("open sftp session: %w", err))
	}
	defer sf.Close()

	remotePath := path.Join(spec.RemoteDir, spec.RemoteFilename)
	if err := sf.MkdirAll(spec.RemoteDir); err != nil {
		return "", domain.WrapErr(domain.KindSSHTransfer, fmt.Errorf("create remote dir %s: %w", spec.RemoteDir, err))
	}

	local, err := os.Open(spec.LocalPath)
	if err != nil {
		return "", domain.WrapErr(domain.KindExportIO, fmt.Errorf("open local export: %w", err))
	}
	defer local.Close()
	fi, err := local.Stat()
	if err != nil {
		return "", domain.WrapErr(domain.KindExportIO, fmt.Errorf("stat local export: %w", err))
	}

	remote, err := sf.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", domain.WrapErr(domain.KindSSHTransfer, fmt.Errorf("open remote file %s: %w", remotePath, err))
	}

	written, err := copyCtx(ctx, remote, local)
	if cerr := remote.Close(); err == nil && cerr != nil {
		err = domain.WrapErr(domain.KindSSHTransfer, fmt.Errorf("close remote file: %w", cerr))
	}
	if err != nil {
		return "", err
	}

	// Best effort; some SFTP servers reject chmod.
	if err := sf.Chmod(remotePath, 0o644); err != nil {
		slog.Warn("could not chmod remote file", slog.String("path", remotePath), slog.Any("error", err))
	}

	rfi, err := sf.Stat(remotePath)
	if err != nil {
		return "", domain.WrapErr(domain.KindSSHTransfer, fmt.Errorf("stat remote file: %w", err))
	}
	if rfi.Size() != fi.Size() {
		return "", domain.Errf(domain.KindSSHTransfer,
			"remote size %d does not match local size %d for %s", rfi.Size(), fi.Size(), remotePath)
	}

	slog.Info("export transferred",
		slog.String("remote_path", remotePath), slog.Int64("bytes", written))
	return remotePath, nil
}

// dial opens the TCP connection under ctx and completes the SSH handshake.
func (a *Agent) dial(ctx domain.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: a.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domain.Classify(ctxErr)
		}
		return nil, domain.WrapErr(domain.KindSSHConnect, fmt.Errorf("dial %s: %w", addr, err))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if isAuthErr(err) {
			return nil, domain.WrapErr(domain.KindSSHAuth, fmt.Errorf("authenticate to %s: %w", addr, err))
		}
		return nil, domain.WrapErr(domain.KindSSHConnect, fmt.Errorf("handshake with %s: %w", addr, err))
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods builds the auth chain from the spec: key first when present,
// then password. No credentials at all is an auth failure up front.
func authMethods(spec domain.UploadSpec) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if spec.PrivateKey != "" {
		signer, err := parseKey(spec.PrivateKey, spec.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if spec.Password != "" {
		methods = append(methods, ssh.Password(spec.Password))
	}
	if len(methods) == 0 {
		return nil, domain.Errf(domain.KindSSHAuth, "no ssh credentials configured for user")
	}
	return methods, nil
}

func parseKey(key, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
		if err != nil {
			return nil, domain.WrapErr(domain.KindSSHAuth, fmt.Errorf("parse encrypted private key: %w", err))
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey([]byte(key))
	if err != nil {
		return nil, domain.WrapErr(domain.KindSSHAuth, fmt.Errorf("parse private key: %w", err))
	}
	return signer, nil
}

func isAuthErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

// copyCtx copies src to dst in chunks, aborting between chunks when ctx is
// done.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, domain.Classify(ctx.Err())
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, domain.WrapErr(domain.KindSSHTransfer, fmt.Errorf("write remote bytes: %w", werr))
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, domain.WrapErr(domain.KindExportIO, fmt.Errorf("read local export: %w", rerr))
		}
	}
}
