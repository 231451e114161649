package payment

import (
	"regexp"
	"strings"
	"time"

	"ticketing/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Strategy names the heuristic that selected an order.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyEmbeddedID  Strategy = "embedded_id"
	StrategyTightWindow Strategy = "tight_window"
	StrategyMostRecent  Strategy = "most_recent"
	StrategyEmail       Strategy = "email"
	StrategyManual      Strategy = "manual"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// orderNoLen 与 order.NewOrderNo 生成的长度一致，用于截断附言里粘连的字符。
const orderNoLen = 16

type matcher struct {
	refPattern  *regexp.Regexp
	poolWindow  time.Duration
	tightWindow time.Duration
}

func newMatcher(prefix string, poolWindow, tightWindow time.Duration) matcher {
	return matcher{
		refPattern:  regexp.MustCompile(`(?i)` + regexp.QuoteMeta(prefix) + `([A-Za-z0-9]+)`),
		poolWindow:  poolWindow,
		tightWindow: tightWindow,
	}
}

type matchResult struct {
	order     *model.Order
	strategy  Strategy
	ambiguous bool
	poolSize  int
}

// embeddedRefs 提取附言中所有 "前缀+订单号" 片段。
func (m matcher) embeddedRefs(content string) []string {
	var refs []string
	for _, sub := range m.refPattern.FindAllStringSubmatch(content, -1) {
		token := strings.ToUpper(sub[1])
		refs = append(refs, token)
		if len(token) > orderNoLen {
			refs = append(refs, token[:orderNoLen])
		}
	}
	return refs
}

// find 按优先级匹配：附言订单号 > 24h 同金额池（30 分钟内优先，其次最新），
// 同一层级内附言邮箱与买家邮箱一致的订单优先。
func (m matcher) find(tx *gorm.DB, content string, amount decimal.Decimal, now time.Time) (matchResult, error) {
	for _, ref := range m.embeddedRefs(content) {
		var ord model.Order
		err := tx.Where("order_no = ? AND status = ?", ref, model.OrderPending).Limit(1).Find(&ord).Error
		if err != nil {
			return matchResult{}, err
		}
		if ord.ID != 0 && ord.TotalAmount.Equal(amount) {
			return matchResult{order: &ord, strategy: StrategyEmbeddedID}, nil
		}
	}

	var pool []model.Order
	err := tx.Preload("User").
		Where("status = ? AND total_amount = ? AND created_at >= ?", model.OrderPending, amount, now.Add(-m.poolWindow)).
		Order("created_at DESC, id DESC").
		Find(&pool).Error
	if err != nil {
		return matchResult{}, err
	}
	if len(pool) == 0 {
		return matchResult{strategy: StrategyNone}, nil
	}

	tier, strategy := pool, StrategyMostRecent
	cutoff := now.Add(-m.tightWindow)
	var tight []model.Order
	for _, o := range pool {
		if !o.CreatedAt.Before(cutoff) {
			tight = append(tight, o)
		}
	}
	if len(tight) > 0 {
		tier, strategy = tight, StrategyTightWindow
	}

	if email := emailPattern.FindString(content); email != "" {
		for i := range tier {
			if tier[i].User != nil && tier[i].User.Email == email {
				return matchResult{order: &tier[i], strategy: StrategyEmail, poolSize: len(pool)}, nil
			}
		}
	}

	return matchResult{
		order:     &tier[0],
		strategy:  strategy,
		ambiguous: len(tier) > 1,
		poolSize:  len(pool),
	}, nil
}
