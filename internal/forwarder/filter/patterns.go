package filter

import "regexp"

// 默认广告关键词
var defaultAdKeywords = []string{
	"广告", "推广", "代理", "加微信", "加QQ", "联系方式",
	"免费领取", "限时优惠", "立即购买", "点击链接",
	"扫码", "二维码", "客服", "咨询", "代办", "包过",
	"兼职", "刷单", "投资", "理财", "贷款", "博彩",
	"彩票", "赌博", "色情", "成人", "约炮", "一夜情",
	"代孕", "药品", "减肥", "丰胸", "壮阳", "假证",
	"发票", "***", "微商", "淘宝客", "返利",
}

// 典型广告短语
var adPhrases = []string{
	"加我微信", "联系客服", "免费咨询", "立即下单",
	"扫码关注", "点击购买", "限时特价", "包邮到家",
}

var (
	urlPattern          = regexp.MustCompile(`(?i)https?://\S+`)
	telegramLinkPattern = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me)/\S+`)
	mentionPattern      = regexp.MustCompile(`@\w+`)

	phonePattern  = regexp.MustCompile(`(?:\+86)?1[3-9]\d{9}`)
	qqPattern     = regexp.MustCompile(`[Qq]{2}[:：\s]*[0-9]{5,12}`)
	wechatPattern = regexp.MustCompile(`[微V信]{1,2}[:：\s]*[a-zA-Z0-9_-]{6,20}`)

	// # 不在任何范围内，始终保留
	emojiPattern = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2600}-\x{27BF}\x{1F900}-\x{1F9FF}\x{FE0F}\x{200D}]`)

	specialCharsPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s#]`)

	latinPattern = regexp.MustCompile(`[a-zA-Z]`)
)

var contactPatterns = []*regexp.Regexp{phonePattern, qqPattern, wechatPattern}
