package telegram

import (
	"context"
	"fmt"
	"strings"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/service"
)

// Admin 管理命令使用的服务能力（service.Admin）
type Admin interface {
	CreateGroup(ctx context.Context, name string) service.Result
	AddSourceChannel(ctx context.Context, groupID string, ref service.ChannelRef) service.Result
	AddTargetChannel(ctx context.Context, groupID string, ref service.ChannelRef) service.Result
	SetFilter(ctx context.Context, groupID string, cfg models.FilterConfig, footer *string) service.Result
	SetSchedule(ctx context.Context, groupID, start, end string) service.Result
	SetGroupEnabled(ctx context.Context, groupID string, enabled bool) service.Result
	GetGroupList(ctx context.Context) service.Result
	GetGroupInfo(ctx context.Context, groupID string) service.Result
	GetStatistics(ctx context.Context, date string) service.Result
	AddCredential(ctx context.Context, in service.CredentialInput) service.Result
	RemoveCredential(ctx context.Context, credentialID string) service.Result
	GetPoolStatus(ctx context.Context) service.Result
	Rebalance(ctx context.Context) service.Result
	AddListener(ctx context.Context, name, token, phone string) service.Result
	AddSender(ctx context.Context, name, token string) service.Result
	RemoveListener(ctx context.Context, consumerID string) service.Result
	RemoveSender(ctx context.Context, consumerID string) service.Result
	ResumeAccount(ctx context.Context, consumerID string) service.Result
	ListAccounts(ctx context.Context) service.Result
	ListenerStatus() service.Result
	DispatcherStats() service.Result
	AddAdKeywords(keywords []string) service.Result
	PreviewFilter(ctx context.Context, groupID, text string) service.Result
	CleanupOldData(ctx context.Context) service.Result
	GetConfig(ctx context.Context) service.Result
	ReloadConfig(ctx context.Context) service.Result
}

// handlers 命令实现
type handlers struct {
	admin  Admin
	router *Router
	ping   func(ctx context.Context) string
}

// registerHandlers 注册所有命令
func registerHandlers(r *Router, admin Admin, ping func(ctx context.Context) string) {
	h := &handlers{admin: admin, router: r, ping: ping}

	r.HandlePublic("start", "/start", "开始", h.handleHelp)
	r.HandlePublic("help", "/help", "命令列表", h.handleHelp)
	r.HandlePublic("ping", "/ping", "测试连接", h.handlePing)

	r.Handle("groups", "/groups", "转发组列表", h.handleGroups)
	r.Handle("group", "/group <group_id>", "转发组详情", h.handleGroup)
	r.Handle("newgroup", "/newgroup <name>", "创建转发组", h.handleNewGroup)
	r.Handle("addsource", "/addsource <group_id> <channel_id> [@username] [title]", "添加源频道", h.handleAddSource)
	r.Handle("addtarget", "/addtarget <group_id> <channel_id> [@username] [title]", "添加目标频道", h.handleAddTarget)
	r.Handle("filter", "/filter <group_id> [links|emoji|special|ad|smart=on|off] [keyword=|regex=|line=<pattern>] [clear_rules] [nofooter] [footer=<text>]", "设置过滤", h.handleFilter)
	r.Handle("schedule", "/schedule <group_id> <HH:MM> <HH:MM> | off", "设置时间窗口", h.handleSchedule)
	r.Handle("enable", "/enable <group_id>", "启用转发组", h.handleEnable(true))
	r.Handle("disable", "/disable <group_id>", "停用转发组", h.handleEnable(false))
	r.Handle("preview", "/preview <group_id> <text>", "过滤测试", h.handlePreview)
	r.Handle("keywords", "/keywords <word> [word...]", "追加广告关键词", h.handleKeywords)
	r.Handle("stats", "/stats [YYYY-MM-DD]", "统计", h.handleStats)
	r.Handle("status", "/status", "监听与发送状态", h.handleStatus)
	r.Handle("pool", "/pool", "凭据池状态", h.handlePool)
	r.Handle("addapi", "/addapi <app_id> <app_hash> [capacity] [name]", "添加 API 凭据", h.handleAddAPI)
	r.Handle("delapi", "/delapi <credential_id>", "删除 API 凭据", h.handleDelAPI)
	r.Handle("rebalance", "/rebalance", "重新平衡凭据", h.handleRebalance)
	r.Handle("accounts", "/accounts", "账号状态", h.handleAccounts)
	r.Handle("addlistener", "/addlistener <name> <token> [phone]", "添加监听账号", h.handleAddListener)
	r.Handle("dellistener", "/dellistener <id>", "删除监听账号", h.handleDelListener)
	r.Handle("addbot", "/addbot <name> <token>", "添加发送 Bot", h.handleAddBot)
	r.Handle("delbot", "/delbot <id>", "删除发送 Bot", h.handleDelBot)
	r.Handle("resume", "/resume <id>", "恢复挂起的账号", h.handleResume)
	r.Handle("cleanup", "/cleanup", "清理过期数据", h.handleCleanup)
	r.Handle("config", "/config", "当前运行参数", h.handleConfig)
	r.Handle("reload", "/reload", "重新加载配置文件", h.handleReload)
}

func (h *handlers) usage(req Request) service.Result {
	return service.Failure(service.CodeInvalidArgument, "用法: %s", h.router.Usage(req.Command))
}

func (h *handlers) handleHelp(_ context.Context, _ Request) service.Result {
	return service.Success(h.router.Help(), nil)
}

func (h *handlers) handlePing(ctx context.Context, _ Request) service.Result {
	if h.ping == nil {
		return service.Success("🏓 Pong!", nil)
	}
	return service.Success(h.ping(ctx), nil)
}

func (h *handlers) handleGroups(ctx context.Context, _ Request) service.Result {
	return h.admin.GetGroupList(ctx)
}

func (h *handlers) handleGroup(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.GetGroupInfo(ctx, req.Args)
}

func (h *handlers) handleNewGroup(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.CreateGroup(ctx, req.Args)
}

func (h *handlers) handleAddSource(ctx context.Context, req Request) service.Result {
	groupID, rest, ok := splitFirst(req.Args)
	if !ok || rest == "" {
		return h.usage(req)
	}
	ref, err := service.ParseChannelRef(rest)
	if err != nil {
		return service.Failure(service.CodeInvalidArgument, "%v", err)
	}
	return h.admin.AddSourceChannel(ctx, groupID, ref)
}

func (h *handlers) handleAddTarget(ctx context.Context, req Request) service.Result {
	groupID, rest, ok := splitFirst(req.Args)
	if !ok || rest == "" {
		return h.usage(req)
	}
	ref, err := service.ParseChannelRef(rest)
	if err != nil {
		return service.Failure(service.CodeInvalidArgument, "%v", err)
	}
	return h.admin.AddTargetChannel(ctx, groupID, ref)
}

func (h *handlers) handleFilter(ctx context.Context, req Request) service.Result {
	groupID, rest, ok := splitFirst(req.Args)
	if !ok {
		return h.usage(req)
	}

	current := h.admin.GetGroupInfo(ctx, groupID)
	if !current.OK() {
		return current
	}
	info, ok := current.Data.(service.GroupInfo)
	if !ok {
		return service.Failure(service.CodeInternal, "unexpected group info")
	}
	if rest == "" {
		return service.Success("当前过滤配置", info.Group.Filter)
	}

	cfg, footer, err := parseFilterArgs(info.Group.Filter, rest)
	if err != nil {
		return service.Failure(service.CodeInvalidArgument, "%v", err)
	}
	return h.admin.SetFilter(ctx, groupID, cfg, footer)
}

func (h *handlers) handleSchedule(ctx context.Context, req Request) service.Result {
	fields := strings.Fields(req.Args)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[1], "off"):
		return h.admin.SetSchedule(ctx, fields[0], "", "")
	case len(fields) == 3:
		return h.admin.SetSchedule(ctx, fields[0], fields[1], fields[2])
	default:
		return h.usage(req)
	}
}

func (h *handlers) handleEnable(enabled bool) CommandFunc {
	return func(ctx context.Context, req Request) service.Result {
		if req.Args == "" {
			return h.usage(req)
		}
		return h.admin.SetGroupEnabled(ctx, req.Args, enabled)
	}
}

func (h *handlers) handlePreview(ctx context.Context, req Request) service.Result {
	groupID, text, ok := splitFirst(req.Args)
	if !ok || text == "" {
		return h.usage(req)
	}
	return h.admin.PreviewFilter(ctx, groupID, text)
}

func (h *handlers) handleKeywords(_ context.Context, req Request) service.Result {
	words := strings.Fields(req.Args)
	if len(words) == 0 {
		return h.usage(req)
	}
	return h.admin.AddAdKeywords(words)
}

func (h *handlers) handleStats(ctx context.Context, req Request) service.Result {
	return h.admin.GetStatistics(ctx, req.Args)
}

func (h *handlers) handleStatus(_ context.Context, _ Request) service.Result {
	listen := h.admin.ListenerStatus()
	send := h.admin.DispatcherStats()
	if !listen.OK() {
		return listen
	}
	if !send.OK() {
		return send
	}
	return service.Success(listen.Message+"; "+send.Message, statusReport{Listener: listen.Data, Dispatcher: send.Data})
}

func (h *handlers) handlePool(ctx context.Context, _ Request) service.Result {
	return h.admin.GetPoolStatus(ctx)
}

func (h *handlers) handleAddAPI(ctx context.Context, req Request) service.Result {
	in, err := service.ParseCredentialInput(req.Args)
	if err != nil {
		return h.usage(req)
	}
	return h.admin.AddCredential(ctx, in)
}

func (h *handlers) handleDelAPI(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.RemoveCredential(ctx, req.Args)
}

func (h *handlers) handleRebalance(ctx context.Context, _ Request) service.Result {
	return h.admin.Rebalance(ctx)
}

func (h *handlers) handleAccounts(ctx context.Context, _ Request) service.Result {
	return h.admin.ListAccounts(ctx)
}

func (h *handlers) handleAddListener(ctx context.Context, req Request) service.Result {
	fields := strings.Fields(req.Args)
	if len(fields) < 2 {
		return h.usage(req)
	}
	phone := ""
	if len(fields) > 2 {
		phone = fields[2]
	}
	return h.admin.AddListener(ctx, fields[0], fields[1], phone)
}

func (h *handlers) handleDelListener(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.RemoveListener(ctx, req.Args)
}

func (h *handlers) handleAddBot(ctx context.Context, req Request) service.Result {
	fields := strings.Fields(req.Args)
	if len(fields) != 2 {
		return h.usage(req)
	}
	return h.admin.AddSender(ctx, fields[0], fields[1])
}

func (h *handlers) handleDelBot(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.RemoveSender(ctx, req.Args)
}

func (h *handlers) handleResume(ctx context.Context, req Request) service.Result {
	if req.Args == "" {
		return h.usage(req)
	}
	return h.admin.ResumeAccount(ctx, req.Args)
}

func (h *handlers) handleCleanup(ctx context.Context, _ Request) service.Result {
	return h.admin.CleanupOldData(ctx)
}

func (h *handlers) handleConfig(ctx context.Context, _ Request) service.Result {
	return h.admin.GetConfig(ctx)
}

func (h *handlers) handleReload(ctx context.Context, _ Request) service.Result {
	return h.admin.ReloadConfig(ctx)
}

// statusReport /status 合并结果
type statusReport struct {
	Listener   any
	Dispatcher any
}

// splitFirst 取出第一个字段和剩余部分
func splitFirst(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	first, rest, _ := strings.Cut(s, " ")
	return first, strings.TrimSpace(rest), true
}

// parseFilterArgs 在当前配置上应用开关与规则，footer= 会吞掉其后的全部文本
func parseFilterArgs(cfg models.FilterConfig, args string) (models.FilterConfig, *string, error) {
	var footer *string
	if i := strings.Index(args, "footer="); i >= 0 {
		text := strings.TrimSpace(args[i+len("footer="):])
		footer = &text
		args = args[:i]
	}

	cfg.CustomRules = append([]models.FilterRule(nil), cfg.CustomRules...)
	for _, tok := range strings.Fields(args) {
		switch tok {
		case "clear_rules":
			cfg.CustomRules = nil
			continue
		case "nofooter":
			empty := ""
			footer = &empty
			continue
		}

		key, value, ok := strings.Cut(tok, "=")
		if !ok || value == "" {
			return cfg, nil, fmt.Errorf("无法识别的参数 %q", tok)
		}
		switch key {
		case "keyword":
			cfg.CustomRules = append(cfg.CustomRules, models.FilterRule{Type: models.RuleKeyword, Pattern: value})
		case "regex":
			cfg.CustomRules = append(cfg.CustomRules, models.FilterRule{Type: models.RuleRegex, Pattern: value})
		case "line":
			cfg.CustomRules = append(cfg.CustomRules, models.FilterRule{Type: models.RuleRemoveLine, Pattern: value})
		default:
			on, err := parseSwitch(value)
			if err != nil {
				return cfg, nil, fmt.Errorf("%s: %w", key, err)
			}
			switch key {
			case "links":
				cfg.RemoveLinks = on
			case "emoji":
				cfg.RemoveEmoji = on
			case "special":
				cfg.RemoveSpecialChars = on
			case "ad":
				cfg.AdDetection = on
			case "smart":
				cfg.SmartFilter = on
			default:
				return cfg, nil, fmt.Errorf("未知开关 %q", key)
			}
		}
	}
	return cfg, footer, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes", "开":
		return true, nil
	case "off", "false", "0", "no", "关":
		return false, nil
	}
	return false, fmt.Errorf("取值必须是 on/off，得到 %q", v)
}
