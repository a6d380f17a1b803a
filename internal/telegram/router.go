package telegram

import (
	"context"
	"fmt"
	"strings"

	"tg_forwarder/internal/forwarder/service"
)

// Request 一条管理命令
type Request struct {
	UserID    int64
	ChatID    int64
	MessageID int
	Command   string // 不含 / 和 @bot 后缀，小写
	Args      string
}

// CommandFunc 命令处理函数，结果统一由 Bot 转成回复
type CommandFunc func(ctx context.Context, req Request) service.Result

// Middleware 命令中间件
type Middleware func(next CommandFunc) CommandFunc

// Chain 组装中间件，第一个在最外层
func Chain(fn CommandFunc, mws ...Middleware) CommandFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn
}

type command struct {
	name   string
	usage  string
	help   string
	public bool
	fn     CommandFunc
}

// Router 命令路由：recover → owner 校验 → 限流 → 处理函数
type Router struct {
	guard    Middleware
	limit    Middleware
	commands map[string]*command
	order    []string
}

// NewRouter 创建路由，guard 只作用于非公开命令
func NewRouter(guard, limit Middleware) *Router {
	return &Router{guard: guard, limit: limit, commands: make(map[string]*command)}
}

// Handle 注册仅限 Owner 的命令
func (r *Router) Handle(name, usage, help string, fn CommandFunc) {
	r.add(&command{name: name, usage: usage, help: help, fn: fn})
}

// HandlePublic 注册公开命令
func (r *Router) HandlePublic(name, usage, help string, fn CommandFunc) {
	r.add(&command{name: name, usage: usage, help: help, public: true, fn: fn})
}

func (r *Router) add(c *command) {
	mws := []Middleware{Recover}
	if !c.public && r.guard != nil {
		mws = append(mws, r.guard)
	}
	if r.limit != nil {
		mws = append(mws, r.limit)
	}
	c.fn = Chain(c.fn, mws...)

	if _, exists := r.commands[c.name]; !exists {
		r.order = append(r.order, c.name)
	}
	r.commands[c.name] = c
}

// Dispatch 执行命令，未注册的命令返回 false
func (r *Router) Dispatch(ctx context.Context, req Request) (service.Result, bool) {
	c, ok := r.commands[req.Command]
	if !ok {
		return service.Result{}, false
	}
	return c.fn(ctx, req), true
}

// Usage 命令用法
func (r *Router) Usage(name string) string {
	if c, ok := r.commands[name]; ok {
		return c.usage
	}
	return ""
}

// Help 全部命令说明
func (r *Router) Help() string {
	var sb strings.Builder
	sb.WriteString("可用命令:\n")
	for _, name := range r.order {
		c := r.commands[name]
		sb.WriteString(fmt.Sprintf("%s - %s\n", c.usage, c.help))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ParseCommand 拆分 "/cmd@bot args"，不是命令时返回 false
func ParseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		args = head[i+1:] + " " + args
		head = head[:i]
	}
	name := strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}
