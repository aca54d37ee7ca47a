package sentiment

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Label 是坐席桌面可识别的情绪标签。
type Label string

const (
	Neutral  Label = "NEUTRAL"
	Positive Label = "POSITIVE"
	Negative Label = "NEGATIVE"
	Mixed    Label = "MIXED"
)

// Topic 表示客户诉求中的一个主题，以及最能说明它的原话。
type Topic struct {
	Title  string
	Detail string
	Score  int
}

// Decision 给出情绪判断、强度以及识别到的诉求主题。
type Decision struct {
	Sentiment Label
	Score     int
	Topics    []Topic
}

var keywordBuckets = map[Label][]string{
	Positive: {
		"thanks", "thank you", "great", "awesome", "perfect", "appreciate", "helpful", "love", "happy",
		"excellent", "glad", "nice", "谢谢", "太好了", "满意", "开心",
	},
	Negative: {
		"angry", "furious", "annoyed", "frustrated", "upset", "terrible", "awful", "useless", "ridiculous",
		"unacceptable", "worst", "disappointed", "complaint", "not working", "doesn't work", "broken",
		"waste", "still waiting", "again", "never", "cancel", "refund", "生气", "失望", "投诉", "受够了",
	},
}

type topicBucket struct {
	Title    string
	Keywords []string
}

// 顺序即优先级：得分相同时靠前的主题排在前面。
var topicBuckets = []topicBucket{
	{Title: "Billing or payment issue", Keywords: []string{"bill", "charge", "charged", "payment", "invoice", "refund", "fee", "card", "扣费", "退款"}},
	{Title: "Account access", Keywords: []string{"login", "log in", "password", "locked", "account", "sign in", "2fa", "verification", "登录", "密码"}},
	{Title: "Technical problem", Keywords: []string{"error", "bug", "crash", "not working", "doesn't work", "broken", "slow", "outage", "故障"}},
	{Title: "Order or delivery", Keywords: []string{"order", "delivery", "shipping", "package", "tracking", "arrived", "parcel", "物流", "订单"}},
	{Title: "Cancellation request", Keywords: []string{"cancel", "close my account", "terminate", "unsubscribe", "取消"}},
	{Title: "Complaint", Keywords: []string{"complaint", "unacceptable", "manager", "supervisor", "worst", "投诉"}},
	{Title: "Asked for a human", Keywords: []string{"human", "agent", "real person", "representative", "someone", "人工"}},
}

const maxDetailRunes = 160

// Analyze 根据客户的原话（按时间顺序）推断情绪与诉求主题。
func Analyze(utterances []string) Decision {
	scores := make(map[Label]int)
	for _, u := range utterances {
		for label, s := range scoreText(u) {
			scores[label] += s
		}
	}

	decision := Decision{Sentiment: Neutral, Topics: detectTopics(utterances)}

	pos, neg := scores[Positive], scores[Negative]
	switch {
	case pos == 0 && neg == 0:
		return decision
	case pos > 0 && neg > 0 && min(pos, neg)*2 >= max(pos, neg):
		decision.Sentiment = Mixed
		decision.Score = pos + neg
	case neg >= pos:
		decision.Sentiment = Negative
		decision.Score = neg - pos
	default:
		decision.Sentiment = Positive
		decision.Score = pos - neg
	}
	return decision
}

func scoreText(text string) map[Label]int {
	normalized := strings.TrimSpace(strings.ToLower(text))
	scores := make(map[Label]int)
	if normalized == "" {
		return scores
	}

	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	// 连续感叹号或全大写放大已有的负面情绪
	if scores[Negative] > 0 {
		scores[Negative] += strings.Count(text, "!")
		if isShouting(text) {
			scores[Negative] += 3
		}
	}
	return scores
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			letters++
		} else if r >= 'A' && r <= 'Z' {
			letters++
			upper++
		}
	}
	return letters >= 8 && upper*10 >= letters*8
}

func detectTopics(utterances []string) []Topic {
	topics := make([]Topic, 0, len(topicBuckets))
	order := make(map[string]int, len(topicBuckets))

	for i, bucket := range topicBuckets {
		order[bucket.Title] = i
		topic := Topic{Title: bucket.Title}
		for _, u := range utterances {
			normalized := strings.ToLower(u)
			hit := false
			for _, word := range bucket.Keywords {
				if strings.Contains(normalized, word) {
					topic.Score++
					hit = true
				}
			}
			if hit {
				// 保留最近一次提到该主题的原话
				topic.Detail = truncate(strings.TrimSpace(u), maxDetailRunes)
			}
		}
		if topic.Score > 0 {
			topics = append(topics, topic)
		}
	}

	sort.SliceStable(topics, func(i, j int) bool {
		if topics[i].Score != topics[j].Score {
			return topics[i].Score > topics[j].Score
		}
		return order[topics[i].Title] < order[topics[j].Title]
	})
	return topics
}

// FormatReason 以坐席桌面解析的编号格式输出诉求摘要：
//
//	**1. Title** - detail
func FormatReason(topics []Topic) string {
	lines := make([]string, 0, len(topics))
	for i, t := range topics {
		lines = append(lines, fmt.Sprintf("**%d. %s** - %s", i+1, t.Title, t.Detail))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
