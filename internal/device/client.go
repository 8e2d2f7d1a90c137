package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/supervisor"
	"go.uber.org/zap"
)

// DefaultDeadTimeout 监管进程无应答判死时限
const DefaultDeadTimeout = 50 * time.Second

// State 客户端状态机
type State int

const (
	StateIdle         State = iota
	StateAccept             // ACCEPT已发，等OK
	StateAcceptWait         // 收款中，POLL与UPDATE-ACCEPT交替
	StateDispense           // DISPENSE已发，等OK
	StateDispenseWait       // 出款中，POLL与STOP交替
	StateEmpty              // EMPTY已发，等OK
	StateEmptyWait          // 清空中
	StateStop               // STOP循环直到最终总额
	StateStopped            // 已停稳，最终总额可读
	StateDead               // 监管进程失联，不可恢复
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccept:
		return "accept"
	case StateAcceptWait:
		return "acceptWait"
	case StateDispense:
		return "dispense"
	case StateDispenseWait:
		return "dispenseWait"
	case StateEmpty:
		return "empty"
	case StateEmptyWait:
		return "emptyWait"
	case StateStop:
		return "stop"
	case StateStopped:
		return "stopped"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Client 协调器持有的单设备句柄
// 所有操作立即返回，效果在后续若干次Poll后可见；
// 超过时限无应答视为设备死亡，调用方不得尝试恢复
type Client struct {
	name      string
	transport Transport
	log       *zap.Logger
	timeout   time.Duration

	state   State
	pending string // 在途请求行（空=无）
	sentAt  time.Time

	total      int64 // 最近POLL回报的运行总额
	supMode    string
	finalTotal int64

	updateWanted int64 // 待下发的收款额度下调（-1=无）
	stopWanted   bool
	alternate    bool

	capMax     int64
	capResidue int64
	capFresh   bool

	acceptable      bool
	acceptableFresh bool

	queries []string // idle状态的能力查询队列
}

// NewClient 创建客户端；timeout≤0时取默认50秒
func NewClient(name string, transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultDeadTimeout
	}
	return &Client{
		name:         name,
		transport:    transport,
		log:          logger.GetModuleLogger("coordinator").With(zap.String("device", name)),
		timeout:      timeout,
		updateWanted: -1,
	}
}

// Name 设备名
func (c *Client) Name() string { return c.name }

// State 当前状态
func (c *Client) State() State { return c.state }

// Dead 是否已判死
func (c *Client) Dead() bool { return c.state == StateDead }

// Total 运行总额（分）
func (c *Client) Total() int64 { return c.total }

// SupervisorMode 最近一次POLL回报的监管进程模式
func (c *Client) SupervisorMode() string { return c.supMode }

// FinalTotal 停稳后的最终总额
func (c *Client) FinalTotal() (int64, bool) {
	if c.state != StateStopped {
		return 0, false
	}
	return c.finalTotal, true
}

// Capability 最近一次CANPAYOUT结果
func (c *Client) Capability() (max int64, residue int64, fresh bool) {
	return c.capMax, c.capResidue, c.capFresh
}

// Acceptable 最近一次CANACCEPT结果
func (c *Client) Acceptable() (bool, bool) {
	return c.acceptable, c.acceptableFresh
}

// QueryCapabilities 在idle状态排队CANPAYOUT与CANACCEPT查询
func (c *Client) QueryCapabilities() error {
	if c.state != StateIdle {
		return errs.New(errs.ErrOperationActive)
	}
	c.capFresh = false
	c.acceptableFresh = false
	c.queries = append(c.queries, "CANPAYOUT", "CANACCEPT")
	return nil
}

// Accept 开始收款
func (c *Client) Accept(maxAmount int64) error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	c.state = StateAccept
	c.total = 0
	c.stopWanted = false
	c.updateWanted = -1
	return c.send(fmt.Sprintf("ACCEPT %d", maxAmount))
}

// UpdateAccept 下调剩余收款额度（在下一次交替时下发）
func (c *Client) UpdateAccept(maxAmount int64) {
	if c.state == StateAccept || c.state == StateAcceptWait {
		c.updateWanted = maxAmount
	}
}

// StopAccepting 请求停止收款
func (c *Client) StopAccepting() {
	if c.state == StateAccept || c.state == StateAcceptWait {
		c.stopWanted = true
	}
}

// Dispense 开始出款（不可取消）
func (c *Client) Dispense(amount int64) error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	c.state = StateDispense
	c.total = 0
	return c.send(fmt.Sprintf("DISPENSE %d", amount))
}

// Empty 进入清空模式
func (c *Client) Empty() error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	c.state = StateEmpty
	c.total = 0
	c.stopWanted = false
	return c.send("EMPTY")
}

// StopEmptying 退出清空模式
func (c *Client) StopEmptying() {
	if c.state == StateEmpty || c.state == StateEmptyWait {
		c.stopWanted = true
	}
}

// Reset 停稳后回到idle
func (c *Client) Reset() error {
	if c.state != StateStopped {
		return errs.New(errs.ErrProtocolAssertion, "仅stopped状态可复位")
	}
	c.state = StateIdle
	c.total = 0
	c.finalTotal = 0
	c.stopWanted = false
	c.updateWanted = -1
	return nil
}

// Close 释放通道
func (c *Client) Close() error {
	return c.transport.Close()
}

// Poll 推进一步：消费在途应答，或发出下一条请求
func (c *Client) Poll() error {
	if c.state == StateDead {
		return errs.New(errs.ErrDeviceDead)
	}

	if c.pending != "" {
		line, ok, err := c.transport.Receive()
		if err != nil {
			c.markDead(err)
			return errs.Wrap(err, errs.ErrDeviceDead)
		}
		if !ok {
			if time.Since(c.sentAt) > c.timeout {
				err := errs.Newf(errs.ErrSupervisorTimeout, "%s无应答超过%s", c.pending, c.timeout)
				c.markDead(err)
				return errs.Wrap(err, errs.ErrDeviceDead)
			}
			return nil // 继续等
		}

		if err := c.consume(line); err != nil {
			return err
		}
	}

	return c.issueNext()
}

// consume 处理一条应答
func (c *Client) consume(line string) error {
	if !strings.HasPrefix(line, supervisor.AnswerPrefix) {
		return errs.Newf(errs.ErrBadAnswer, "应答缺少前缀: %q", line)
	}
	answer := strings.TrimSpace(strings.TrimPrefix(line, supervisor.AnswerPrefix))
	request := c.pending
	c.pending = ""

	cmd := strings.Fields(request)[0]
	if strings.HasPrefix(answer, "ERROR") {
		c.log.Error("监管进程报错",
			zap.String("request", request),
			zap.String("answer", answer))
		if cmd != "CANPAYOUT" && cmd != "CANACCEPT" {
			// 当前操作失败：回到stopped，已计入的总额保留
			c.finalTotal = c.total
			c.state = StateStopped
		}
		return errs.Newf(errs.ErrCommandFailed, "%s: %s", request, answer)
	}
	switch cmd {
	case "ACCEPT":
		if answer != "OK" {
			return c.badAnswer(request, answer)
		}
		c.state = StateAcceptWait
	case "UPDATE-ACCEPT":
		if answer != "OK" {
			return c.badAnswer(request, answer)
		}
		c.updateWanted = -1
	case "DISPENSE":
		if answer != "OK" {
			return c.badAnswer(request, answer)
		}
		c.state = StateDispenseWait
	case "EMPTY":
		if answer != "OK" {
			return c.badAnswer(request, answer)
		}
		c.state = StateEmptyWait
	case "POLL":
		parts := strings.Fields(answer)
		if len(parts) != 2 {
			return c.badAnswer(request, answer)
		}
		n, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return c.badAnswer(request, answer)
		}
		c.total = n
		c.supMode = parts[1]
	case "STOP":
		if answer == "wait" {
			break
		}
		n, err := strconv.ParseInt(answer, 10, 64)
		if err != nil {
			return c.badAnswer(request, answer)
		}
		c.finalTotal = n
		c.state = StateStopped
	case "CANPAYOUT":
		parts := strings.Fields(answer)
		if len(parts) != 2 {
			return c.badAnswer(request, answer)
		}
		max, err1 := strconv.ParseInt(parts[0], 10, 64)
		residue, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return c.badAnswer(request, answer)
		}
		c.capMax = max
		c.capResidue = residue
		c.capFresh = true
	case "CANACCEPT":
		switch answer {
		case "True":
			c.acceptable = true
		case "False":
			c.acceptable = false
		default:
			return c.badAnswer(request, answer)
		}
		c.acceptableFresh = true
	}
	return nil
}

// issueNext 依状态决定下一条请求
func (c *Client) issueNext() error {
	if c.pending != "" {
		return nil
	}

	switch c.state {
	case StateIdle:
		if len(c.queries) > 0 {
			q := c.queries[0]
			c.queries = c.queries[1:]
			return c.send(q)
		}

	case StateAcceptWait:
		if c.stopWanted {
			c.state = StateStop
			return c.send("STOP")
		}
		// 交替POLL与UPDATE-ACCEPT
		if c.updateWanted >= 0 && c.alternate {
			c.alternate = false
			return c.send(fmt.Sprintf("UPDATE-ACCEPT %d", c.updateWanted))
		}
		c.alternate = true
		return c.send("POLL")

	case StateDispenseWait:
		// 交替POLL与STOP，借STOP探知出款是否结束
		if c.alternate {
			c.alternate = false
			return c.send("STOP")
		}
		c.alternate = true
		return c.send("POLL")

	case StateEmptyWait:
		// 操作员停止，或监管侧已排空
		if c.stopWanted || c.supMode == "stopped" {
			c.state = StateStop
			return c.send("STOP")
		}
		return c.send("POLL")

	case StateStop:
		return c.send("STOP")
	}
	return nil
}

func (c *Client) send(line string) error {
	if !c.transport.Alive() {
		err := errs.New(errs.ErrSupervisorExited)
		c.markDead(err)
		return errs.Wrap(err, errs.ErrDeviceDead)
	}
	if err := c.transport.Send(line); err != nil {
		c.markDead(err)
		return errs.Wrap(err, errs.ErrDeviceDead)
	}
	c.pending = line
	c.sentAt = time.Now()
	return nil
}

func (c *Client) requireIdle() error {
	if c.state == StateDead {
		return errs.New(errs.ErrDeviceDead)
	}
	if c.state != StateIdle {
		return errs.Newf(errs.ErrOperationActive, "当前状态%s", c.state)
	}
	if len(c.queries) > 0 || c.pending != "" {
		return errs.New(errs.ErrOperationActive, "能力查询未完成")
	}
	return nil
}

func (c *Client) badAnswer(request, answer string) error {
	c.log.Error("无法解析的应答",
		zap.String("request", request),
		zap.String("answer", answer))
	return errs.Newf(errs.ErrBadAnswer, "%s → %q", request, answer)
}

func (c *Client) markDead(cause error) {
	c.state = StateDead
	c.log.Error("设备判死", zap.Error(cause))
}
