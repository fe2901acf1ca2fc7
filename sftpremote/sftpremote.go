// Package sftpremote implements remoteop.Remote over SFTP, the one remote
// kind the configuration loader currently accepts, on top of
// golang.org/x/crypto/ssh and github.com/pkg/sftp.
package sftpremote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fsync-run/fsync/remoteop"
)

const (
	defaultPort  = 22
	dialTimeout  = 15 * time.Second
	uploadFanout = 4
)

// Remote implements remoteop.Remote over a single SFTP session.
type Remote struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// Connect dials hostWithPort ("host" or "host:port"), authenticates as
// user, and opens an SFTP session over the resulting SSH connection. If
// keyPEM is non-empty it is parsed as a private key and offered for
// public-key authentication; if password is non-empty it is offered for
// password authentication as well. At least one of the two is required. If
// fingerprints is non-empty, the server's host key must match one of them
// (see pinnedHostKeyCallback); an empty list accepts any host key, logging
// nothing here - callers decide whether that is acceptable for their
// environment.
func Connect(ctx context.Context, hostWithPort, user, password, keyPEM string, fingerprints []string) (*Remote, error) {
	host, port, err := splitHostPort(hostWithPort)
	if err != nil {
		return nil, err
	}

	var auths []ssh.AuthMethod
	if keyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if password != "" {
		auths = append(auths, ssh.Password(password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("no authentication method configured for %s", hostWithPort)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if len(fingerprints) > 0 {
		hostKeyCallback = pinnedHostKeyCallback(fingerprints)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp session on %s: %w", addr, err)
	}

	return &Remote{ssh: client, sftp: sftpClient}, nil
}

// Close releases the SFTP session and the underlying SSH connection.
func (r *Remote) Close() error {
	sftpErr := r.sftp.Close()
	sshErr := r.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

// Ping performs a cheap reachability check by stat-ing the session's
// current directory.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.sftp.Stat(".")
	if err != nil {
		return fmt.Errorf("sftp ping: %w", err)
	}
	return nil
}

// ApplyBatch applies ops in two phases: every Upload runs concurrently
// with up to uploadFanout in flight, then, once every upload has
// succeeded, every Remove, MkDir, and Rename runs sequentially and in
// order. Each upload creates its own missing parent directories, so it
// does not depend on a MkDir from the same batch.
func (r *Remote) ApplyBatch(ctx context.Context, ops []remoteop.Op) error {
	if len(ops) == 0 {
		return nil
	}

	var uploads []remoteop.Op
	var seq []remoteop.Op
	for _, op := range ops {
		if op.Kind == remoteop.Upload {
			uploads = append(uploads, op)
		} else {
			seq = append(seq, op)
		}
	}

	if err := r.uploadAll(ctx, uploads); err != nil {
		return err
	}

	for _, op := range seq {
		if err := r.applySeq(op); err != nil {
			return fmt.Errorf("%s %s: %w", opName(op.Kind), op.Remote, err)
		}
	}
	return nil
}

type uploadResult struct {
	op  remoteop.Op
	err error
}

func (r *Remote) uploadAll(ctx context.Context, uploads []remoteop.Op) error {
	if len(uploads) == 0 {
		return nil
	}

	sem := make(chan struct{}, uploadFanout)
	results := make(chan uploadResult, len(uploads))

	for _, op := range uploads {
		op := op
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			results <- uploadResult{op: op, err: r.upload(op.Local, op.Remote)}
		}()
	}
	for i := 0; i < len(uploads); i++ {
		if res := <-results; res.err != nil {
			return fmt.Errorf("upload %s: %w", res.op.Local, res.err)
		}
	}
	return nil
}

func (r *Remote) upload(local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := createDirAll(r.sftp, parentDir(remote)); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	dst, err := r.sftp.Create(remote)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = dst.ReadFrom(src)
	return err
}

func (r *Remote) applySeq(op remoteop.Op) error {
	switch op.Kind {
	case remoteop.Remove:
		fi, err := r.sftp.Stat(op.Remote)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() {
			return removeDirAll(r.sftp, op.Remote)
		}
		return r.sftp.Remove(op.Remote)

	case remoteop.MkDir:
		return createDirAll(r.sftp, op.Remote)

	case remoteop.Rename:
		if err := createDirAll(r.sftp, parentDir(op.Remote)); err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}
		// Best-effort: a rename racing a later event for the same path is
		// left for the periodic scanner to reconcile.
		_ = r.sftp.Rename(op.From, op.Remote)
		return nil

	default:
		return fmt.Errorf("unexpected op kind in sequential phase: %v", op.Kind)
	}
}

func opName(k remoteop.Kind) string {
	switch k {
	case remoteop.Upload:
		return "upload"
	case remoteop.Remove:
		return "remove"
	case remoteop.MkDir:
		return "mkdir"
	case remoteop.Rename:
		return "rename"
	default:
		return "unknown"
	}
}

func parentDir(remotePath string) string {
	idx := strings.LastIndex(remotePath, "/")
	if idx <= 0 {
		return "/"
	}
	return remotePath[:idx]
}

func splitHostPort(hostWithPort string) (string, int, error) {
	if host, portStr, err := net.SplitHostPort(hostWithPort); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in host %q: %w", hostWithPort, err)
		}
		return host, port, nil
	}
	return hostWithPort, defaultPort, nil
}
