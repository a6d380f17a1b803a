package telegram

import (
	"context"
	"strings"
	"testing"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeAdmin 只实现测试用到的方法，其余方法调用会 panic
type fakeAdmin struct {
	Admin

	group      models.ForwardingGroup
	setFilter  *models.FilterConfig
	footer     *string
	schedule   []string
	sourceRef  service.ChannelRef
	credential service.CredentialInput
	listener   []string
	reloads    int
}

func (f *fakeAdmin) GetGroupInfo(_ context.Context, groupID string) service.Result {
	if groupID != f.group.ID.Hex() {
		return service.Failure(service.CodeNotFound, "group not found")
	}
	return service.Success(f.group.Name, service.GroupInfo{Group: f.group})
}

func (f *fakeAdmin) SetFilter(_ context.Context, _ string, cfg models.FilterConfig, footer *string) service.Result {
	f.setFilter = &cfg
	f.footer = footer
	return service.Success("filter updated", cfg)
}

func (f *fakeAdmin) SetSchedule(_ context.Context, groupID, start, end string) service.Result {
	f.schedule = []string{groupID, start, end}
	return service.Success("schedule", nil)
}

func (f *fakeAdmin) AddSourceChannel(_ context.Context, _ string, ref service.ChannelRef) service.Result {
	f.sourceRef = ref
	return service.Success("source added", nil)
}

func (f *fakeAdmin) AddCredential(_ context.Context, in service.CredentialInput) service.Result {
	f.credential = in
	return service.Success("credential added", nil)
}

func (f *fakeAdmin) AddListener(_ context.Context, name, token, phone string) service.Result {
	f.listener = []string{name, token, phone}
	return service.Success("listener added", nil)
}

func (f *fakeAdmin) GetConfig(context.Context) service.Result {
	return service.Success("effective settings", config.DefaultSettings())
}

func (f *fakeAdmin) ReloadConfig(context.Context) service.Result {
	f.reloads++
	return service.Success("config reload requested", nil)
}

func newTestRouter(admin Admin) *Router {
	r := NewRouter(RequireOwner([]int64{1}), nil)
	registerHandlers(r, admin, nil)
	return r
}

func dispatchCmd(t *testing.T, r *Router, text string) service.Result {
	t.Helper()
	name, args, ok := ParseCommand(text)
	require.True(t, ok)
	res, found := r.Dispatch(context.Background(), Request{UserID: 1, Command: name, Args: args})
	require.True(t, found, text)
	return res
}

func TestFilterCommandAppliesToggles(t *testing.T) {
	admin := &fakeAdmin{group: models.ForwardingGroup{
		ID:     primitive.NewObjectID(),
		Name:   "news",
		Filter: models.DefaultFilterConfig(),
	}}
	r := newTestRouter(admin)
	id := admin.group.ID.Hex()

	res := dispatchCmd(t, r, "/filter "+id+" links=off keyword=广告 regex=\\d+ footer=来自 每日新闻")
	require.True(t, res.OK(), res.Message)
	require.NotNil(t, admin.setFilter)
	assert.False(t, admin.setFilter.RemoveLinks)
	assert.True(t, admin.setFilter.RemoveEmoji)
	assert.Equal(t, []models.FilterRule{
		{Type: models.RuleKeyword, Pattern: "广告"},
		{Type: models.RuleRegex, Pattern: `\d+`},
	}, admin.setFilter.CustomRules)
	require.NotNil(t, admin.footer)
	assert.Equal(t, "来自 每日新闻", *admin.footer)

	res = dispatchCmd(t, r, "/filter "+id+" links=maybe")
	assert.Equal(t, service.CodeInvalidArgument, res.Code)

	// 无参数时返回当前配置
	admin.setFilter = nil
	res = dispatchCmd(t, r, "/filter "+id)
	assert.True(t, res.OK())
	assert.Nil(t, admin.setFilter)
	assert.Equal(t, models.DefaultFilterConfig(), res.Data)

	res = dispatchCmd(t, r, "/filter "+primitive.NewObjectID().Hex()+" ad=off")
	assert.Equal(t, service.CodeNotFound, res.Code)
}

func TestParseFilterArgsClearAndNoFooter(t *testing.T) {
	cfg := models.FilterConfig{CustomRules: []models.FilterRule{{Type: models.RuleKeyword, Pattern: "x"}}}
	got, footer, err := parseFilterArgs(cfg, "clear_rules line=^广告 nofooter smart=on")
	require.NoError(t, err)
	assert.Equal(t, []models.FilterRule{{Type: models.RuleRemoveLine, Pattern: "^广告"}}, got.CustomRules)
	assert.True(t, got.SmartFilter)
	require.NotNil(t, footer)
	assert.Empty(t, *footer)
	assert.Len(t, cfg.CustomRules, 1, "input config is not mutated")

	_, _, err = parseFilterArgs(cfg, "bogus=on")
	assert.Error(t, err)
}

func TestScheduleCommand(t *testing.T) {
	admin := &fakeAdmin{}
	r := newTestRouter(admin)

	require.True(t, dispatchCmd(t, r, "/schedule g1 09:00 18:00").OK())
	assert.Equal(t, []string{"g1", "09:00", "18:00"}, admin.schedule)

	require.True(t, dispatchCmd(t, r, "/schedule g1 off").OK())
	assert.Equal(t, []string{"g1", "", ""}, admin.schedule)

	res := dispatchCmd(t, r, "/schedule g1")
	assert.Equal(t, service.CodeInvalidArgument, res.Code)
	assert.Contains(t, res.Message, "/schedule <group_id>")
}

func TestChannelAndCredentialCommands(t *testing.T) {
	admin := &fakeAdmin{}
	r := newTestRouter(admin)

	require.True(t, dispatchCmd(t, r, "/addsource g1 -100123 @news 每日新闻").OK())
	assert.Equal(t, service.ChannelRef{ChannelID: -100123, Username: "news", Title: "每日新闻"}, admin.sourceRef)

	res := dispatchCmd(t, r, "/addsource g1 news")
	assert.Equal(t, service.CodeInvalidArgument, res.Code)

	require.True(t, dispatchCmd(t, r, "/addapi 123456 "+strings.Repeat("a", 32)+" 3 主凭据").OK())
	assert.Equal(t, service.CredentialInput{Name: "主凭据", AppID: "123456", AppHash: strings.Repeat("a", 32), Capacity: 3}, admin.credential)

	res = dispatchCmd(t, r, "/addapi 123456")
	assert.Equal(t, service.CodeInvalidArgument, res.Code)

	require.True(t, dispatchCmd(t, r, "/addlistener acc-1 123:abc").OK())
	assert.Equal(t, []string{"acc-1", "123:abc", ""}, admin.listener)
}

func TestHelpIsPublic(t *testing.T) {
	r := newTestRouter(&fakeAdmin{})
	res, found := r.Dispatch(context.Background(), Request{UserID: 99, Command: "help"})
	require.True(t, found)
	assert.True(t, res.OK())
	assert.Contains(t, res.Message, "/addsource")

	res, _ = r.Dispatch(context.Background(), Request{UserID: 99, Command: "groups"})
	assert.Equal(t, service.CodeForbidden, res.Code)
}

func TestConfigAndReloadCommands(t *testing.T) {
	admin := &fakeAdmin{}
	r := newTestRouter(admin)

	res := dispatchCmd(t, r, "/config")
	require.True(t, res.OK())
	assert.Equal(t, config.DefaultSettings(), res.Data)

	require.True(t, dispatchCmd(t, r, "/reload").OK())
	assert.Equal(t, 1, admin.reloads)

	res, _ = r.Dispatch(context.Background(), Request{UserID: 99, Command: "reload"})
	assert.Equal(t, service.CodeForbidden, res.Code)
	assert.Equal(t, 1, admin.reloads)
}
