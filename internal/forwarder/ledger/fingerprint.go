package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"tg_forwarder/internal/forwarder/models"
)

// Fingerprint 计算批次的内容指纹
// 单条消息：文本 + 媒体标识 + 来源频道
// 媒体组：组内各条内容排序后拼接 + grouped_id + 来源频道
// 同一批次重试时结果不变，不同源频道的相同内容指纹不同
func Fingerprint(batch models.Batch) string {
	var content string
	if batch.GroupedID == "" && len(batch.Posts) > 0 {
		p := batch.Posts[0]
		content = postContent(p) + fmt.Sprintf("_%d_%d", batch.ChannelID, p.FromID)
	} else {
		parts := make([]string, 0, len(batch.Posts))
		for _, p := range batch.Posts {
			parts = append(parts, postContent(p))
		}
		sort.Strings(parts)
		content = strings.Join(parts, "|") + fmt.Sprintf("_group_%s_%d", batch.GroupedID, batch.ChannelID)
	}

	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func postContent(p models.Post) string {
	var b strings.Builder
	b.WriteString(p.Text)
	if p.Media != nil {
		switch p.Media.Kind {
		case models.MediaPhoto:
			b.WriteString("photo_")
		default:
			b.WriteString("doc_")
		}
		b.WriteString(p.Media.FileID)
	}
	return b.String()
}

// Key 按目标频道区分的去重键
func Key(fingerprint string, targetChannelID int64) string {
	return fmt.Sprintf("%s:%d", fingerprint, targetChannelID)
}
