package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/hardware"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/logger"
	"go.uber.org/zap"
)

// AnswerPrefix 所有应答行的固定前缀
const AnswerPrefix = "COMMAND ANSWER:"

// DefaultMaxDispense 单次DISPENSE的硬上限（分）
const DefaultMaxDispense = 20000

// Mode 监管进程模式
type Mode int

const (
	ModeIdle Mode = iota
	ModeAccept
	ModeDispense
	ModeEmpty
	ModeStopping
	ModeStopped
)

// String 模式名（POLL应答中原样输出）
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAccept:
		return "accept"
	case ModeDispense:
		return "dispense"
	case ModeEmpty:
		return "empty"
	case ModeStopping:
		return "stopping"
	case ModeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor 单设备驱动宿主
// 把驱动封装在独立进程内，通过stdio的行协议对外服务；
// 厂商驱动崩溃只拖垮本进程，不波及协调器。
// 每枚钱币先写账本再更新运行总额，两步之间崩溃不会丢钱
type Supervisor struct {
	driver hardware.Driver
	writer *ledger.Writer
	log    *zap.Logger

	maxDispense int64

	mode      Mode
	total     int64 // 本次操作累计金额（分）
	acceptMax int64
	failed    bool
}

// New 创建监管器
func New(driver hardware.Driver, writer *ledger.Writer, cfg *config.SupervisorConfig) *Supervisor {
	maxDispense := int64(DefaultMaxDispense)
	if cfg != nil && cfg.MaxDispense > 0 {
		maxDispense = cfg.MaxDispense
	}
	return &Supervisor{
		driver:      driver,
		writer:      writer,
		log:         logger.GetModuleLogger("supervisor").With(zap.String("device", driver.Name())),
		maxDispense: maxDispense,
	}
}

// Mode 当前模式
func (s *Supervisor) Mode() Mode { return s.mode }

// Serve 行协议主循环，读到EOF或读错误返回
func (s *Supervisor) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		answer := s.Handle(line)
		logger.LogSupervisorCommand(s.driver.Name(), line, answer)

		if _, err := fmt.Fprintf(out, "%s%s\n", AnswerPrefix, answer); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Handle 处理一条请求，返回不含前缀的应答
func (s *Supervisor) Handle(line string) string {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "ACCEPT":
		return s.handleAccept(fields)
	case "UPDATE-ACCEPT":
		return s.handleUpdateAccept(fields)
	case "DISPENSE":
		return s.handleDispense(fields)
	case "POLL":
		return s.handlePoll()
	case "CANPAYOUT":
		max, residue := s.driver.CanPayout()
		return fmt.Sprintf("%d %d", max, residue)
	case "CANACCEPT":
		if s.driver.CanAccept() {
			return "True"
		}
		return "False"
	case "STOP":
		return s.handleStop()
	case "EMPTY":
		return s.handleEmpty()
	default:
		return "ERROR unknown command"
	}
}

func (s *Supervisor) handleAccept(fields []string) string {
	n, err := parseAmount(fields)
	if err != nil {
		return "ERROR " + err.Error()
	}
	if s.mode != ModeIdle {
		return s.violation("ACCEPT仅在idle模式合法")
	}

	if err := s.driver.Accept(n); err != nil {
		return s.opError(err)
	}
	s.mode = ModeAccept
	s.total = 0
	s.acceptMax = n
	s.failed = false
	return "OK"
}

func (s *Supervisor) handleUpdateAccept(fields []string) string {
	n, err := parseAmount(fields)
	if err != nil {
		return "ERROR " + err.Error()
	}
	if s.mode != ModeAccept {
		return s.violation("UPDATE-ACCEPT仅在accept模式合法")
	}

	if n < s.acceptMax {
		s.acceptMax = n
	}
	if err := s.driver.UpdateAccept(n); err != nil {
		return s.opError(err)
	}
	return "OK"
}

func (s *Supervisor) handleDispense(fields []string) string {
	n, err := parseAmount(fields)
	if err != nil {
		return "ERROR " + err.Error()
	}
	if s.mode != ModeIdle {
		return s.violation("DISPENSE仅在idle模式合法")
	}
	if n > s.maxDispense {
		return s.violation(fmt.Sprintf("出款%d超过上限%d", n, s.maxDispense))
	}

	if err := s.driver.Dispense(n); err != nil {
		return s.opError(err)
	}
	s.mode = ModeDispense
	s.total = 0
	s.failed = false
	return "OK"
}

func (s *Supervisor) handleEmpty() string {
	if s.mode != ModeIdle {
		return s.violation("EMPTY仅在idle模式合法")
	}
	if err := s.driver.Empty(); err != nil {
		return s.opError(err)
	}
	s.mode = ModeEmpty
	s.total = 0
	s.failed = false
	return "OK"
}

// handlePoll 泵驱动、记账、推进模式
func (s *Supervisor) handlePoll() string {
	if err := s.pump(); err != nil {
		return s.opError(err)
	}
	return fmt.Sprintf("%d %s", s.total, s.mode)
}

// handleStop 停止语义
// accept/empty：发起停止后答wait；stopping期间答wait；
// dispense：出款不可取消，完成前答wait；
// stopped：输出最终总额并复位到idle
func (s *Supervisor) handleStop() string {
	switch s.mode {
	case ModeAccept:
		if err := s.driver.StopAccepting(); err != nil {
			return s.opError(err)
		}
		s.mode = ModeStopping
		return "wait"

	case ModeEmpty:
		if err := s.driver.StopEmptying(); err != nil {
			return s.opError(err)
		}
		s.mode = ModeStopping
		return "wait"

	case ModeDispense, ModeStopping:
		if err := s.pump(); err != nil {
			return s.opError(err)
		}
		if s.mode == ModeStopped {
			return s.finishStop()
		}
		return "wait"

	case ModeStopped:
		return s.finishStop()

	default:
		return s.violation("STOP在idle模式非法")
	}
}

// finishStop 输出最终总额并复位
func (s *Supervisor) finishStop() string {
	final := s.total
	s.mode = ModeIdle
	s.total = 0
	s.acceptMax = 0
	return strconv.FormatInt(final, 10)
}

// pump 一次驱动轮询：事件先入账本、再进总额，然后推进模式机
func (s *Supervisor) pump() error {
	events, err := s.driver.Poll()

	// 事件先于错误处理：部分事件也必须入账
	if bookErr := s.book(events); bookErr != nil {
		return bookErr
	}
	if err != nil {
		s.failed = true
		return err
	}

	s.advance()
	return nil
}

// advance 模式自动迁移
func (s *Supervisor) advance() {
	switch s.mode {
	case ModeAccept:
		if s.total >= s.acceptMax {
			s.mode = ModeStopping
		}
	case ModeDispense, ModeEmpty:
		if !s.driver.Busy() {
			s.mode = ModeStopped
		}
	case ModeStopping:
		if !s.driver.Busy() {
			s.mode = ModeStopped
		}
	}
}

// book 把事件写入账本并更新运行总额
// 账本写失败时对应总额不更新，调用方必须视为这笔钱未动
func (s *Supervisor) book(events []hardware.Event) error {
	ctx := context.Background()
	for _, ev := range events {
		switch ev.Kind {
		case hardware.EventReceived:
			if err := s.writer.AddSingle(ctx, ev.Storage, ev.Denom, ev.Count, false, "payin"); err != nil {
				return err
			}
			s.total += ev.Denom.Cents() * ev.Count

		case hardware.EventDispensed:
			if err := s.writer.AddSingle(ctx, ev.Storage, ev.Denom, -ev.Count, false, "payout"); err != nil {
				return err
			}
			s.total += ev.Denom.Cents() * ev.Count

		case hardware.EventMoved:
			if err := s.writer.Move(ctx, ev.From, ev.To, ev.Denom, ev.Count, false, "internal move"); err != nil {
				return err
			}
			if s.mode == ModeEmpty {
				s.total += ev.Denom.Cents() * ev.Count
			}

		case hardware.EventWarning:
			s.log.Warn("设备告警", zap.String("event", ev.Message), zap.Uint8("code", ev.Code))

		case hardware.EventFatal:
			s.failed = true
			s.log.Error("设备致命故障", zap.String("event", ev.Message), zap.Uint8("code", ev.Code))
			return errs.Newf(errs.ErrCommandFailed, "设备故障: %s", ev.Message)
		}
	}
	return nil
}

func (s *Supervisor) violation(msg string) string {
	s.log.Error("协议状态违例", zap.String("detail", msg), zap.String("mode", s.mode.String()))
	return "ERROR " + msg
}

func (s *Supervisor) opError(err error) string {
	s.log.Error("操作失败", zap.Error(err))
	return "ERROR " + err.Error()
}

func parseAmount(fields []string) (int64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("需要一个金额参数")
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("非法金额 %q", fields[1])
	}
	return n, nil
}
