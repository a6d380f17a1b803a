package filter

import (
	"testing"

	"tg_forwarder/internal/forwarder/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySuppression(t *testing.T) {
	e := NewEngine()
	cfg := models.DefaultFilterConfig()

	tests := []struct {
		name   string
		text   string
		reason Reason
	}{
		{"two ad keywords", "加微信 领取理财产品", ReasonAd},
		{"keyword plus phone", "客服电话 13812345678", ReasonAd},
		{"keyword plus qq", "代理请联系 QQ: 12345678", ReasonAd},
		{"two ad phrases", "加我微信，包邮到家", ReasonAd},
		{"repeated characters", "哈哈哈哈哈哈哈哈哈哈哈哈", ReasonSpam},
		{"dense punctuation", "真的吗？？？", ReasonSpam},
		{"shouting", "BUY NOW THIS IS GREAT", ReasonSpam},
		{"empty input", "", ReasonEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Apply(tt.text, cfg, "footer")
			assert.True(t, res.Suppressed)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, res.Text)
		})
	}
}

func TestApplySingleKeywordIsNotAd(t *testing.T) {
	e := NewEngine()
	res := e.Apply("今天讨论投资话题的新闻", models.FilterConfig{AdDetection: true}, "")
	assert.False(t, res.Suppressed)
	assert.Equal(t, "今天讨论投资话题的新闻", res.Text)
}

func TestApplyTogglesAreIndependent(t *testing.T) {
	e := NewEngine()
	res := e.Apply("加微信 领取理财产品", models.FilterConfig{}, "")
	assert.False(t, res.Suppressed)
	assert.Equal(t, "加微信 领取理财产品", res.Text)
}

func TestApplyStripping(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name string
		cfg  models.FilterConfig
		text string
		want string
	}{
		{
			name: "links and mentions",
			cfg:  models.FilterConfig{RemoveLinks: true},
			text: "看这里 https://example.com/x 和 t.me/chan 还有 @someone 结束",
			want: "看这里  和  还有  结束",
		},
		{
			name: "emoji keeps hash marker",
			cfg:  models.FilterConfig{RemoveEmoji: true},
			text: "好消息🎉 #新闻",
			want: "好消息 #新闻",
		},
		{
			name: "special characters keep hash marker",
			cfg:  models.FilterConfig{RemoveSpecialChars: true},
			text: "价格：100元！#促销",
			want: "价格100元#促销",
		},
		{
			name: "whitespace normalization",
			cfg:  models.FilterConfig{},
			text: "  第一行  \n\n\n\n  第二行\n\n",
			want: "第一行\n\n第二行",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Apply(tt.text, tt.cfg, "")
			require.False(t, res.Suppressed)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	e := NewEngine()
	cleaning := models.FilterConfig{RemoveLinks: true, RemoveEmoji: true, RemoveSpecialChars: true}
	linksOnly := models.FilterConfig{RemoveLinks: true}
	linksAndEmoji := models.FilterConfig{RemoveLinks: true, RemoveEmoji: true}

	tests := []struct {
		name string
		cfg  models.FilterConfig
		text string
	}{
		{"urls", cleaning, "原文 https://example.com/a?b=1 继续 http://x.y/z"},
		{"telegram links", cleaning, "频道 t.me/somechan 和 telegram.me/other"},
		{"mentions", cleaning, "感谢 @alice 和 @bob_2 转发"},
		{"emoji next to hash", cleaning, "🎉#新闻 #快讯🔥 结束"},
		{"blank line runs", cleaning, "\n\n  第一段  \n\n\n\n\n第二段\n \n \n第三段\n\n"},
		{"everything mixed", cleaning, "🚀 看 https://a.b/c @x\n\n\n#标签✨ t.me/y 完"},
		{"mention splices a link", linksOnly, "入口 t.me@a/secret 结束"},
		{"emoji splices a mention", linksAndEmoji, "联系 @🎉admin 结束"},
		{"blank lines only whitespace cfg", models.FilterConfig{}, "  a  \n\n\n\n  b\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := e.Apply(tt.text, tt.cfg, "")
			require.False(t, once.Suppressed)
			twice := e.Apply(once.Text, tt.cfg, "")
			require.False(t, twice.Suppressed)
			assert.Equal(t, once.Text, twice.Text)
		})
	}

	assert.Equal(t, "入口  结束", e.Apply("入口 t.me@a/secret 结束", linksOnly, "").Text)
	assert.Equal(t, "联系  结束", e.Apply("联系 @🎉admin 结束", linksAndEmoji, "").Text)
}

func TestApplyCustomRulesInOrder(t *testing.T) {
	e := NewEngine()
	cfg := models.FilterConfig{CustomRules: []models.FilterRule{
		{Type: models.RuleRegex, Pattern: `A+`, Replacement: "X"},
		{Type: models.RuleKeyword, Pattern: "B", Replacement: "Y"},
		{Type: models.RuleRemoveLine, Pattern: "marker"},
		{Type: models.RuleKeyword, Pattern: "X", Replacement: "Z"},
	}}

	res := e.Apply("原文AAA\n删除这行 marker\n结尾B", cfg, "")
	require.False(t, res.Suppressed)
	assert.Equal(t, "原文Z\n结尾Y", res.Text)
}

func TestApplyFooter(t *testing.T) {
	e := NewEngine()
	res := e.Apply("正文", models.FilterConfig{}, "来自频道")
	assert.Equal(t, "正文\n\n来自频道", res.Text)

	res = e.Apply("https://only.link", models.FilterConfig{RemoveLinks: true}, "来自频道")
	assert.True(t, res.Suppressed)
	assert.Equal(t, ReasonEmpty, res.Reason)

	assert.Equal(t, "来自频道", AppendFooter("", "来自频道"))
	assert.Equal(t, "正文", AppendFooter("正文", ""))
}

func TestValidateRules(t *testing.T) {
	assert.NoError(t, ValidateRules(nil))
	assert.NoError(t, ValidateRules([]models.FilterRule{
		{Type: models.RuleRegex, Pattern: `\d+`},
		{Type: models.RuleKeyword, Pattern: "x"},
		{Type: models.RuleRemoveLine, Pattern: "y"},
	}))

	err := ValidateRules([]models.FilterRule{
		{Type: models.RuleRegex, Pattern: "("},
		{Type: "replace_all", Pattern: "x"},
		{Type: models.RuleKeyword},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "rule 1")
	assert.Contains(t, err.Error(), "rule 2")
	assert.Contains(t, err.Error(), "rule 3")
}

func TestPreview(t *testing.T) {
	e := NewEngine()
	p := e.Preview("你好 @user", models.FilterConfig{RemoveLinks: true})
	assert.Equal(t, "你好 @user", p.Original)
	assert.Equal(t, "你好", p.Filtered)
	assert.Equal(t, 6, p.Removed)
	assert.False(t, p.Suppressed)

	p = e.Preview("加微信 领取理财产品", models.DefaultFilterConfig())
	assert.True(t, p.Suppressed)
	assert.Equal(t, ReasonAd, p.Reason)
}

func TestAddKeywordsDeduplicates(t *testing.T) {
	e := NewEngine()
	base := len(e.Keywords())
	assert.Equal(t, len(defaultAdKeywords), base)

	total := e.AddKeywords("广告", "特价群", "特价群", " ", "秒杀")
	assert.Equal(t, base+2, total)

	res := e.Apply("进特价群抢秒杀", models.FilterConfig{AdDetection: true}, "")
	assert.True(t, res.Suppressed)
	assert.Equal(t, ReasonAd, res.Reason)
}

func TestStats(t *testing.T) {
	e := NewEngine()
	st := e.Stats("联系 @admin https://x.y 13812345678\n第二行 🎉")
	assert.Equal(t, 1, st.Mentions)
	assert.Equal(t, 1, st.URLs)
	assert.Equal(t, 1, st.Phones)
	assert.Equal(t, 1, st.Emojis)
	assert.Equal(t, 2, st.Lines)
}
