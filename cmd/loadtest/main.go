package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type snapshot struct {
	TotalQty  int `json:"total_qty"`
	SoldQty   int `json:"sold_qty"`
	Available int `json:"available"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	ticketTypeID := flag.Int("ticket-type", 1, "ticket type id")
	orgID := flag.Int("org", 1, "organization id")
	qty := flag.Int("qty", 1, "tickets per order")
	cancel := flag.Bool("cancel", true, "cancel created orders after the test")
	webhookKey := flag.String("webhook-key", "", "Apikey for the payment webhook; empty skips the duplicate webhook test")
	dupes := flag.Int("dupes", 20, "concurrent copies of one webhook")

	// 超卖测试参数：200 个用户并发抢同一票种
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	before, err := getSnapshot(client, *baseURL, *ticketTypeID)
	if err != nil {
		fmt.Println("inventory check err:", err)
		os.Exit(1)
	}
	fmt.Printf("inventory before: total=%d sold=%d available=%d\n", before.TotalQty, before.SoldQty, before.Available)

	// 1) 不超卖测试：不同 user 并发下单
	fmt.Printf("start oversell test: ticket_type=%d users=%d qty=%d concurrency=%d\n", *ticketTypeID, *nUsers, *qty, *concurrency)
	results := runConcurrent(*nUsers, *concurrency, func(idx int) Result {
		return doJSON(client, http.MethodPost, *baseURL+"/api/orders", map[string]any{
			"user_id":         idx + 1,
			"organization_id": *orgID,
			"items":           []map[string]any{{"ticket_type_id": *ticketTypeID, "quantity": *qty}},
		}, nil)
	})
	printSummary("oversell", results)

	after, err := getSnapshot(client, *baseURL, *ticketTypeID)
	if err != nil {
		fmt.Println("inventory check err:", err)
		os.Exit(1)
	}
	created := orderIDs(results)
	fmt.Printf("inventory after: total=%d sold=%d available=%d created=%d\n", after.TotalQty, after.SoldQty, after.Available, len(created))
	ok := after.SoldQty <= after.TotalQty && after.SoldQty-before.SoldQty == len(created)*(*qty)
	if !ok {
		fmt.Println("FAIL: sold_qty does not match created orders")
	} else {
		fmt.Println("PASS: no oversell, counters conserved")
	}

	// 2) 重复通知测试：同一 referenceCode 并发回调，至多一笔匹配
	if *webhookKey != "" && len(created) > 0 {
		orderNo, amount, err := getOrder(client, *baseURL, created[0])
		if err != nil {
			fmt.Println("load order err:", err)
		} else {
			ref := fmt.Sprintf("LOADTEST%d", time.Now().UnixNano())
			hook := map[string]any{
				"gateway": "loadtest", "transactionDate": time.Now().Format("2006-01-02 15:04:05"),
				"content": "TKT" + orderNo, "transferType": "in", "transferAmount": amount,
				"referenceCode": ref, "id": time.Now().Unix(),
			}
			headers := map[string]string{"Authorization": "Apikey " + *webhookKey}
			fmt.Printf("\nstart duplicate webhook test: ref=%s copies=%d\n", ref, *dupes)
			hooks := runConcurrent(*dupes, *dupes, func(int) Result {
				return doJSON(client, http.MethodPost, *baseURL+"/api/payments/webhook/sepay", hook, headers)
			})
			printSummary("webhook", hooks)
			printOutcomes(hooks)
			created = created[1:]
		}
	}

	if *cancel {
		for _, id := range created {
			res := doJSON(client, http.MethodPost, fmt.Sprintf("%s/api/orders/%d/cancel", *baseURL, id), nil, nil)
			if res.Err != nil || res.Status != http.StatusOK {
				fmt.Printf("cancel order %d failed: status=%d err=%v\n", id, res.Status, res.Err)
			}
		}
		fmt.Printf("cancelled %d orders\n", len(created))
	}
	if !ok {
		os.Exit(1)
	}
}

// runConcurrent 用信号量限制并发，按下标收集结果。
func runConcurrent(total, concurrency int, fn func(idx int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func doJSON(client *http.Client, method, url string, body any, headers map[string]string) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return Result{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: b}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func printOutcomes(results []Result) {
	outcomes := map[string]int{}
	for _, r := range results {
		if r.Err != nil || r.Status != http.StatusOK {
			continue
		}
		var env envelope
		if json.Unmarshal(r.Body, &env) != nil {
			continue
		}
		var res struct {
			Outcome string `json:"outcome"`
		}
		if json.Unmarshal(env.Data, &res) == nil {
			outcomes[res.Outcome]++
		}
	}
	for k, v := range outcomes {
		fmt.Printf("  outcome %s -> %d\n", k, v)
	}
	if outcomes["matched"] > 1 {
		fmt.Println("FAIL: one notification matched more than once")
	}
}

func orderIDs(results []Result) []uint {
	var out []uint
	for _, r := range results {
		if r.Err != nil || r.Status != http.StatusOK {
			continue
		}
		var env envelope
		if json.Unmarshal(r.Body, &env) != nil {
			continue
		}
		var ord struct {
			ID uint `json:"id"`
		}
		if json.Unmarshal(env.Data, &ord) == nil && ord.ID != 0 {
			out = append(out, ord.ID)
		}
	}
	return out
}

func getSnapshot(client *http.Client, baseURL string, ticketTypeID int) (snapshot, error) {
	var s snapshot
	err := getData(client, fmt.Sprintf("%s/api/ticket-types/%d/inventory", baseURL, ticketTypeID), &s)
	return s, err
}

func getOrder(client *http.Client, baseURL string, id uint) (string, json.Number, error) {
	var ord struct {
		OrderNo     string      `json:"order_no"`
		TotalAmount json.Number `json:"total_amount"`
	}
	err := getData(client, fmt.Sprintf("%s/api/orders/%d", baseURL, id), &ord)
	return ord.OrderNo, ord.TotalAmount, err
}

// getData GET 并解出 envelope 的 data 字段。
func getData(client *http.Client, url string, dst any) error {
	res := doJSON(client, http.MethodGet, url, nil, nil)
	if res.Err != nil {
		return res.Err
	}
	if res.Status >= 300 {
		return fmt.Errorf("status=%d body=%s", res.Status, string(res.Body))
	}
	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, dst)
}
