package payment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/apperr"
	"ticketing/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MethodBankTransfer is the payment_method recorded for webhook payments.
const MethodBankTransfer = "bank_transfer"

// Notification 银行转账 webhook 的请求体。content 是唯一可能携带订单号或邮箱的字段。
type Notification struct {
	Gateway         string          `json:"gateway"`
	TransactionDate string          `json:"transactionDate"`
	AccountNumber   string          `json:"accountNumber"`
	SubAccount      *string         `json:"subAccount"`
	Code            string          `json:"code"`
	Content         string          `json:"content"`
	TransferType    string          `json:"transferType"`
	Description     string          `json:"description"`
	TransferAmount  decimal.Decimal `json:"transferAmount"`
	ReferenceCode   string          `json:"referenceCode"`
	Accumulated     decimal.Decimal `json:"accumulated"`
	ID              int64           `json:"id"`
}

func (n Notification) Validate() error {
	if !n.TransferAmount.IsPositive() {
		return fmt.Errorf("%w: transferAmount must be > 0", apperr.ErrInvalidInput)
	}
	return nil
}

var transactionDateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// DefaultBankLocation 网关按银行本地时间（UTC+7）发送不带时区的 transactionDate。
var DefaultBankLocation = time.FixedZone("ICT", 7*60*60)

// transactionTime parses the gateway timestamp in loc; unknown formats are dropped.
// Layouts with an explicit offset keep their own zone.
func (n Notification) transactionTime(loc *time.Location) *time.Time {
	s := strings.TrimSpace(n.TransactionDate)
	if s == "" {
		return nil
	}
	for _, layout := range transactionDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// toPayment builds the unmatched record; the caller binds it to an order.
func (n Notification) toPayment(now time.Time, loc *time.Location) model.Payment {
	p := model.Payment{
		CreatedAt:       now,
		Amount:          n.TransferAmount,
		Currency:        "VND",
		PaymentMethod:   MethodBankTransfer,
		Status:          model.PaymentPending,
		TransactionID:   strings.TrimSpace(n.ReferenceCode),
		Gateway:         n.Gateway,
		TransactionDate: n.transactionTime(loc),
		AccountNumber:   n.AccountNumber,
		SubAccount:      n.SubAccount,
		Code:            n.Code,
		Content:         n.Content,
		TransferType:    n.TransferType,
		Description:     n.Description,
		Accumulated:     n.Accumulated,
		GatewayID:       n.ID,
	}
	if ref := strings.TrimSpace(n.ReferenceCode); ref != "" {
		p.ReferenceCode = &ref
	}
	if raw, err := json.Marshal(n); err == nil {
		p.RawPayload = datatypes.JSON(raw)
	}
	return p
}
