package deltachat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"dc_bridge/internal/logger"
)

// Config RPC 进程配置
type Config struct {
	RPCServer   string // deltachat-rpc-server 可执行文件
	AccountsDir string // 账号数据目录
}

// process deltachat-rpc-server 子进程
type process struct {
	cmd  *exec.Cmd
	done chan error
}

// stdio 将子进程的 stdout/stdin 组合为双向流
type stdio struct {
	io.ReadCloser
	io.WriteCloser
}

func (s stdio) Close() error {
	werr := s.WriteCloser.Close()
	rerr := s.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Start 启动 RPC 进程并建立连接
func Start(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCServer == "" {
		cfg.RPCServer = "deltachat-rpc-server"
	}
	if cfg.AccountsDir == "" {
		return nil, errors.New("accounts dir cannot be empty")
	}

	cmd := exec.Command(cfg.RPCServer)
	cmd.Env = append(os.Environ(), "DC_ACCOUNTS_PATH="+cfg.AccountsDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.RPCServer, err)
	}
	logger.L().Infof("Delta Chat RPC server started: pid=%d, accounts=%s", cmd.Process.Pid, cfg.AccountsDir)

	go forwardStderr(stderr)

	p := &process{cmd: cmd, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()

	client := NewClient(ctx, stdio{ReadCloser: stdout, WriteCloser: stdin})
	client.process = p
	return client, nil
}

// forwardStderr 将 RPC 进程日志转发到 logger
func forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.L().Debugf("deltachat-rpc-server: %s", scanner.Text())
	}
}

// stop 等待进程退出，超时后强制结束
func (p *process) stop() error {
	select {
	case err := <-p.done:
		return exitError(err)
	case <-time.After(5 * time.Second):
	}

	logger.L().Warn("Delta Chat RPC server did not exit, killing it")
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill rpc server: %w", err)
	}
	return exitError(<-p.done)
}

func exitError(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return fmt.Errorf("rpc server exited: %w", err)
}
