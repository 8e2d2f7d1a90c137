package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
	"github.com/wfunc/cash-terminal/internal/database"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/logger"
)

// 退出码：0 成功/一致，1 不一致/检查失败，2 用法或运行错误
const (
	exitOK       = 0
	exitMismatch = 1
	exitUsage    = 2
)

const usage = `用法: cash [-config <path>] <命令> [参数]

命令:
  show [地址] [-at 时刻]          显示现金状态（缺省全部地址）
  log [-from 时刻] [-to 时刻]     显示账本流水
  set <地址> <状态> [-m 备注]     绝对覆盖子仓状态（人工操作）
  add <地址> <状态> [-m 备注]     子仓状态增量（人工操作）
  move <设备> <从仓> <到仓> <面额> <数量> [-m 备注]
                                  子仓间搬移
  check <地址> <状态>             比较当前状态与期望值，不写入
  verify [-at 时刻]               现金账本与会计账对账
  verify-search                   回溯查找最早的不一致点

状态形如 /13x10c,53x2E/，面额形如 50c 或 2E，时刻为RFC3339`

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	os.Exit(run(*configPath, args[0], args[1:]))
}

func run(configPath, command string, args []string) int {
	if err := config.Init(configPath); err != nil {
		return fail("加载配置失败: %v", err)
	}
	cfg := config.Get()

	// CLI输出走stdout，日志只进文件
	logCfg := cfg.Log
	logCfg.Output = "file"
	if err := logger.Init(&logCfg); err != nil {
		return fail("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	if err := database.Init(&cfg.Database); err != nil {
		return fail("初始化数据库失败: %v", err)
	}
	defer database.Close()
	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return fail("数据库迁移失败: %v", err)
		}
	}

	store := ledger.NewStore(database.GetDB())
	acct := accounting.New(database.GetDB())
	ctx := context.Background()

	switch command {
	case "show":
		return cmdShow(ctx, store, args)
	case "log":
		return cmdLog(ctx, store, args)
	case "set":
		return cmdSet(ctx, store, args)
	case "add":
		return cmdAdd(ctx, store, args)
	case "move":
		return cmdMove(ctx, store, args)
	case "check":
		return cmdCheck(ctx, store, args)
	case "verify":
		return cmdVerify(ctx, store, acct, args)
	case "verify-search":
		return cmdVerifySearch(ctx, store, acct)
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n%s\n", command, usage)
		return exitUsage
	}
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return exitUsage
}

// parseAt 解析 -at/-from/-to 形式的时刻参数
func parseAt(fs *flag.FlagSet, name string) (*time.Time, error) {
	raw := fs.Lookup(name).Value.String()
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("时刻格式错误（需要RFC3339）: %q", raw)
	}
	return &t, nil
}

// cmdShow 显示现金状态
func cmdShow(ctx context.Context, store *ledger.Store, args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.String("at", "", "RFC3339时刻")

	var addrArg string
	if len(args) > 0 && args[0][0] != '-' {
		addrArg = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	at, err := parseAt(fs, "at")
	if err != nil {
		return fail("%v", err)
	}

	var addrs []ledger.Address
	if addrArg != "" {
		addr, err := ledger.ParseAddress(addrArg)
		if err != nil {
			return fail("%v", err)
		}
		addrs = []ledger.Address{addr}
	} else {
		if addrs, err = store.Addresses(ctx); err != nil {
			return fail("%v", err)
		}
	}

	var total int64
	for _, addr := range addrs {
		state, err := store.GetState(ctx, addr, at)
		if err != nil {
			return fail("%v", err)
		}
		total += state.Sum()
		fmt.Printf("%-30s %s = %d.%02d\n",
			addr.String(), state.String(), state.Sum()/100, state.Sum()%100)
	}
	fmt.Printf("%-30s 合计 = %d.%02d\n", "", total/100, total%100)
	return exitOK
}

// cmdLog 显示账本流水
func cmdLog(ctx context.Context, store *ledger.Store, args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.String("from", "", "起始时刻（含）")
	fs.String("to", "", "结束时刻（含）")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	from, err := parseAt(fs, "from")
	if err != nil {
		return fail("%v", err)
	}
	to, err := parseAt(fs, "to")
	if err != nil {
		return fail("%v", err)
	}

	entries, err := store.Entries(ctx, from, to)
	if err != nil {
		return fail("%v", err)
	}
	for i := range entries {
		fmt.Println(ledger.FormatEntry(&entries[i]))
	}
	return exitOK
}

// parseWrite 解析 set/add 共用的 <地址> <状态> [-m 备注]
func parseWrite(name string, args []string) (ledger.Address, cash.State, string, error) {
	if len(args) < 2 {
		return ledger.Address{}, cash.State{}, "", fmt.Errorf("用法: cash %s <地址> <状态> [-m 备注]", name)
	}
	addr, err := ledger.ParseAddress(args[0])
	if err != nil {
		return ledger.Address{}, cash.State{}, "", err
	}
	state, err := cash.ParseState(args[1])
	if err != nil {
		return ledger.Address{}, cash.State{}, "", err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	comment := fs.String("m", "", "备注")
	if err := fs.Parse(args[2:]); err != nil {
		return ledger.Address{}, cash.State{}, "", err
	}
	return addr, state, *comment, nil
}

// cmdSet 绝对覆盖子仓状态
func cmdSet(ctx context.Context, store *ledger.Store, args []string) int {
	addr, state, comment, err := parseWrite("set", args)
	if err != nil {
		return fail("%v", err)
	}
	if err := store.SetState(ctx, addr, state, true, comment); err != nil {
		return fail("%v", err)
	}
	return exitOK
}

// cmdAdd 子仓状态增量
func cmdAdd(ctx context.Context, store *ledger.Store, args []string) int {
	addr, delta, comment, err := parseWrite("add", args)
	if err != nil {
		return fail("%v", err)
	}
	if err := store.AddToState(ctx, addr, delta, true, comment); err != nil {
		return fail("%v", err)
	}
	return exitOK
}

// cmdMove 子仓间搬移
func cmdMove(ctx context.Context, store *ledger.Store, args []string) int {
	if len(args) < 5 {
		return fail("用法: cash move <设备> <从仓> <到仓> <面额> <数量> [-m 备注]")
	}
	denom, err := cash.ParseDenomination(args[3])
	if err != nil {
		return fail("%v", err)
	}
	count, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return fail("数量非法: %q", args[4])
	}

	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	comment := fs.String("m", "", "备注")
	if err := fs.Parse(args[5:]); err != nil {
		return exitUsage
	}

	if err := store.Move(ctx, args[0], args[1], args[2], denom, count, true, *comment); err != nil {
		return fail("%v", err)
	}
	return exitOK
}

// cmdCheck 比较当前状态与期望值
func cmdCheck(ctx context.Context, store *ledger.Store, args []string) int {
	if len(args) != 2 {
		return fail("用法: cash check <地址> <状态>")
	}
	addr, err := ledger.ParseAddress(args[0])
	if err != nil {
		return fail("%v", err)
	}
	expect, err := cash.ParseState(args[1])
	if err != nil {
		return fail("%v", err)
	}

	ok, actual, err := store.Check(ctx, addr, expect)
	if err != nil {
		return fail("%v", err)
	}
	if !ok {
		fmt.Printf("不一致: %s 期望 %s 实际 %s\n", addr.String(), expect.String(), actual.String())
		return exitMismatch
	}
	fmt.Println("一致")
	return exitOK
}

// cmdVerify 现金账本与会计账对账
func cmdVerify(ctx context.Context, store *ledger.Store, acct accounting.Ledger, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.String("at", "", "RFC3339时刻")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	at, err := parseAt(fs, "at")
	if err != nil {
		return fail("%v", err)
	}

	verifier := ledger.NewVerifier(store, acct, accounting.AccountCash, nil)
	res, err := verifier.Verify(ctx, at)
	if err != nil {
		return fail("%v", err)
	}

	fmt.Printf("现金账本 %d.%02d 会计账 %d.%02d\n",
		res.CashSum/100, res.CashSum%100, res.AcctSum/100, res.AcctSum%100)
	if !res.OK {
		fmt.Printf("不一致，差额 %d 分\n", res.DiffCent)
		return exitMismatch
	}
	fmt.Println("一致")
	return exitOK
}

// cmdVerifySearch 回溯查找最早的不一致点
func cmdVerifySearch(ctx context.Context, store *ledger.Store, acct accounting.Ledger) int {
	verifier := ledger.NewVerifier(store, acct, accounting.AccountCash, nil)

	firstBad, err := verifier.Search(ctx, func(res *ledger.VerifyResult) {
		mark := "一致"
		if !res.OK {
			mark = "不一致"
		}
		fmt.Printf("%s  %s (现金 %d, 会计 %d)\n",
			res.At.Format(time.RFC3339), mark, res.CashSum, res.AcctSum)
	})
	if err != nil {
		return fail("%v", err)
	}

	if firstBad.IsZero() {
		fmt.Println("当前账本与会计账一致")
		return exitOK
	}
	fmt.Printf("最早不一致时刻（上界估计）: %s\n", firstBad.Format(time.RFC3339))
	return exitMismatch
}
