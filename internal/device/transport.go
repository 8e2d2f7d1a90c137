package device

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"go.uber.org/zap"
)

// Transport 客户端到监管进程的行通道
// Send写出一行请求；Receive非阻塞地取一行应答
type Transport interface {
	Send(line string) error
	Receive() (line string, ok bool, err error)
	Alive() bool
	Close() error
}

// PipeTransport 基于读写流的通道
// 后台goroutine把应答行送入缓冲通道，Receive永不阻塞主线程
type PipeTransport struct {
	w      io.Writer
	lines  chan string
	closer func() error

	mu      sync.Mutex
	readErr error
	eof     bool
}

// NewPipeTransport 包装一对流
func NewPipeTransport(r io.Reader, w io.Writer, closer func() error) *PipeTransport {
	t := &PipeTransport{
		w:      w,
		lines:  make(chan string, 64),
		closer: closer,
	}
	go t.readLoop(r)
	return t
}

func (t *PipeTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}

	t.mu.Lock()
	t.eof = true
	t.readErr = scanner.Err()
	t.mu.Unlock()
	close(t.lines)
}

// Send 写一行请求
func (t *PipeTransport) Send(line string) error {
	if _, err := fmt.Fprintln(t.w, line); err != nil {
		return errs.Wrap(err, errs.ErrSupervisorExited, "写监管进程失败")
	}
	return nil
}

// Receive 非阻塞取一行应答
func (t *PipeTransport) Receive() (string, bool, error) {
	select {
	case line, open := <-t.lines:
		if !open {
			return "", false, errs.New(errs.ErrSupervisorExited, "监管进程输出已关闭")
		}
		return line, true, nil
	default:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.eof {
			return "", false, errs.New(errs.ErrSupervisorExited, "监管进程输出已关闭")
		}
		return "", false, nil
	}
}

// Alive 输出端是否仍然打开
func (t *PipeTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.eof
}

// Close 关闭底层流
func (t *PipeTransport) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

// ProcTransport 拉起监管进程并接管其stdio
type ProcTransport struct {
	*PipeTransport
	cmd *exec.Cmd
}

// SpawnSupervisor 启动 cashd -device <name> 并建立通道
func SpawnSupervisor(cfg *config.SupervisorConfig, device string) (*ProcTransport, error) {
	cmd := exec.Command(cfg.Command, "-device", device)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrSupervisorExited, "建立stdin管道失败")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrSupervisorExited, "建立stdout管道失败")
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(err, errs.ErrSupervisorExited, "启动监管进程失败")
	}
	logger.GetModuleLogger("supervisor").Info("监管进程已启动",
		zap.String("device", device),
		zap.Int("pid", cmd.Process.Pid))

	t := &ProcTransport{cmd: cmd}
	t.PipeTransport = NewPipeTransport(stdout, stdin, stdin.Close)
	// 后台收尸，ProcessState用于探活
	go cmd.Wait()
	return t, nil
}

// Alive 进程是否仍在运行
func (t *ProcTransport) Alive() bool {
	if t.cmd.ProcessState != nil {
		return false
	}
	return t.PipeTransport.Alive()
}
