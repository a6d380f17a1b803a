// Package filter 消息内容过滤：广告/垃圾判定、链接表情符号清理、自定义规则和小尾巴
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidRule 自定义规则无效
var ErrInvalidRule = errors.New("invalid filter rule")

// Reason 消息被拦截的原因
type Reason string

const (
	ReasonNone  Reason = ""
	ReasonAd    Reason = "advertisement"
	ReasonSpam  Reason = "low_quality"
	ReasonEmpty Reason = "empty"
)

// Result 过滤结果，Suppressed 为 true 时 Text 为空
type Result struct {
	Text       string
	Suppressed bool
	Reason     Reason
}

// Preview 过滤测试结果
type Preview struct {
	Original   string `json:"original"`
	Filtered   string `json:"filtered"`
	Removed    int    `json:"removed"`
	Suppressed bool   `json:"suppressed"`
	Reason     Reason `json:"reason,omitempty"`
}

// TextStats 文本统计
type TextStats struct {
	Chars      int `json:"total_chars"`
	Words      int `json:"total_words"`
	Lines      int `json:"total_lines"`
	URLs       int `json:"urls"`
	Mentions   int `json:"mentions"`
	Phones     int `json:"phones"`
	QQNumbers  int `json:"qq_numbers"`
	WechatIDs  int `json:"wechat_ids"`
	Emojis     int `json:"emojis"`
	AdKeywords int `json:"ad_keywords"`
}

const regexCacheSize = 256

// Engine 过滤引擎，并发安全
type Engine struct {
	mu         sync.RWMutex
	adKeywords []string

	regexCache *lru.Cache[string, *regexp.Regexp]
}

// NewEngine 创建过滤引擎
func NewEngine() *Engine {
	cache, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &Engine{
		adKeywords: append([]string(nil), defaultAdKeywords...),
		regexCache: cache,
	}
}

// Apply 按顺序执行过滤：广告判定 -> 垃圾判定 -> 链接 -> 表情 -> 特殊符号 -> 自定义规则 -> 空白整理 -> 小尾巴
// 前两步命中时直接拦截；整理后为空同样视为拦截
func (e *Engine) Apply(text string, cfg models.FilterConfig, footer string) Result {
	if text == "" {
		return Result{Suppressed: true, Reason: ReasonEmpty}
	}

	if cfg.AdDetection && e.isAdvertisement(text) {
		return Result{Suppressed: true, Reason: ReasonAd}
	}
	if cfg.SmartFilter && isLowQuality(text) {
		return Result{Suppressed: true, Reason: ReasonSpam}
	}

	// 删除可能拼出新的链接或提及，重复剥离直到不再变化
	out := text
	for {
		next := strip(out, cfg)
		if next == out {
			break
		}
		out = next
	}
	if len(cfg.CustomRules) > 0 {
		out = e.applyRules(out, cfg.CustomRules)
	}
	out = normalizeWhitespace(out)

	if out == "" {
		return Result{Suppressed: true, Reason: ReasonEmpty}
	}
	return Result{Text: AppendFooter(out, footer)}
}

// AppendFooter 追加小尾巴，正文为空时只保留小尾巴
func AppendFooter(text, footer string) string {
	if footer == "" {
		return text
	}
	if text == "" {
		return footer
	}
	return text + "\n\n" + footer
}

// ValidateRules 校验自定义规则：类型合法、pattern 非空、正则可编译
func ValidateRules(rules []models.FilterRule) error {
	var errs []error
	for i, r := range rules {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("%w: rule %d has empty pattern", ErrInvalidRule, i+1))
			continue
		}
		switch r.Type {
		case models.RuleRegex:
			if _, err := regexp.Compile(r.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, i+1, err))
			}
		case models.RuleKeyword, models.RuleRemoveLine:
		default:
			errs = append(errs, fmt.Errorf("%w: rule %d has unknown type %q", ErrInvalidRule, i+1, r.Type))
		}
	}
	return errors.Join(errs...)
}

// Preview 测试过滤效果，Removed 为删除的字符数
func (e *Engine) Preview(text string, cfg models.FilterConfig) Preview {
	res := e.Apply(text, cfg, "")
	return Preview{
		Original:   text,
		Filtered:   res.Text,
		Removed:    utf8.RuneCountInString(text) - utf8.RuneCountInString(res.Text),
		Suppressed: res.Suppressed && res.Reason != ReasonEmpty,
		Reason:     res.Reason,
	}
}

// AddKeywords 追加广告关键词（去重），返回当前关键词数量
func (e *Engine) AddKeywords(keywords ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(e.adKeywords))
	for _, k := range e.adKeywords {
		seen[k] = struct{}{}
	}
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		e.adKeywords = append(e.adKeywords, k)
	}
	logger.L().Infof("Ad keywords updated, total=%d", len(e.adKeywords))
	return len(e.adKeywords)
}

// Keywords 当前广告关键词
func (e *Engine) Keywords() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.adKeywords...)
}

// Stats 文本统计
func (e *Engine) Stats(text string) TextStats {
	return TextStats{
		Chars:      utf8.RuneCountInString(text),
		Words:      len(strings.Fields(text)),
		Lines:      len(strings.Split(text, "\n")),
		URLs:       len(urlPattern.FindAllString(text, -1)),
		Mentions:   len(mentionPattern.FindAllString(text, -1)),
		Phones:     len(phonePattern.FindAllString(text, -1)),
		QQNumbers:  len(qqPattern.FindAllString(text, -1)),
		WechatIDs:  len(wechatPattern.FindAllString(text, -1)),
		Emojis:     len(emojiPattern.FindAllString(text, -1)),
		AdKeywords: e.adKeywordCount(strings.ToLower(text)),
	}
}

func (e *Engine) adKeywordCount(lower string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, k := range e.adKeywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			n++
		}
	}
	return n
}

// isAdvertisement 关键词 >= 2；或联系方式 + 关键词；或广告短语 >= 2
func (e *Engine) isAdvertisement(text string) bool {
	keywords := e.adKeywordCount(strings.ToLower(text))
	if keywords >= 2 {
		return true
	}

	if keywords > 0 {
		for _, p := range contactPatterns {
			if p.MatchString(text) {
				return true
			}
		}
	}

	phrases := 0
	for _, p := range adPhrases {
		if strings.Contains(text, p) {
			phrases++
		}
	}
	return phrases >= 2
}

// isLowQuality 字符重复率过高、标点过密或大写英文过多
func isLowQuality(text string) bool {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return false
	}

	unique := make(map[rune]struct{}, n)
	punct := 0
	for _, r := range runes {
		unique[r] = struct{}{}
		switch r {
		case '!', '！', '?', '？':
			punct++
		}
	}
	if n > 10 && float64(len(unique))/float64(n) < 0.3 {
		return true
	}
	if float64(punct) > float64(n)*0.2 {
		return true
	}

	latin := latinPattern.FindAllString(text, -1)
	if len(latin) > 10 {
		upper := 0
		for _, c := range latin {
			if unicode.IsUpper(rune(c[0])) {
				upper++
			}
		}
		if float64(upper)/float64(len(latin)) > 0.8 {
			return true
		}
	}
	return false
}

// strip 执行一轮链接、表情、特殊符号剥离，只删除字符
func strip(text string, cfg models.FilterConfig) string {
	if cfg.RemoveLinks {
		text = removeLinks(text)
	}
	if cfg.RemoveEmoji {
		text = emojiPattern.ReplaceAllString(text, "")
	}
	if cfg.RemoveSpecialChars {
		text = specialCharsPattern.ReplaceAllString(text, "")
	}
	return text
}

func removeLinks(text string) string {
	text = urlPattern.ReplaceAllString(text, "")
	text = telegramLinkPattern.ReplaceAllString(text, "")
	return mentionPattern.ReplaceAllString(text, "")
}

func (e *Engine) applyRules(text string, rules []models.FilterRule) string {
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		switch r.Type {
		case models.RuleRegex:
			re, err := e.compile(r.Pattern)
			if err != nil {
				logger.L().Warnf("Skipping invalid regex rule %q: %v", r.Pattern, err)
				continue
			}
			text = re.ReplaceAllString(text, r.Replacement)
		case models.RuleKeyword:
			text = strings.ReplaceAll(text, r.Pattern, r.Replacement)
		case models.RuleRemoveLine:
			lines := strings.Split(text, "\n")
			kept := lines[:0]
			for _, line := range lines {
				if !strings.Contains(line, r.Pattern) {
					kept = append(kept, line)
				}
			}
			text = strings.Join(kept, "\n")
		}
	}
	return text
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexCache.Add(pattern, re)
	return re, nil
}

// normalizeWhitespace 去掉每行首尾空白，连续空行合并为一行，去掉首尾空行
func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" || (len(cleaned) > 0 && cleaned[len(cleaned)-1] != "") {
			cleaned = append(cleaned, line)
		}
	}
	for len(cleaned) > 0 && cleaned[len(cleaned)-1] == "" {
		cleaned = cleaned[:len(cleaned)-1]
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
