package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type racer struct {
	client     *http.Client
	baseURL    string
	paymentURL string
	product    string
	checks     int
}

type raceResult struct {
	OrderID          string
	Winners          int
	FinalStatus      string
	DeliveryAttempts int
}

type orderView struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ChargeID         string `json:"charge_id"`
	DeliveryAttempts int    `json:"delivery_attempts"`
}

type checkView struct {
	Order        orderView `json:"order"`
	Transitioned bool      `json:"transitioned"`
}

func (r *racer) run(total, concurrency int, buyerBase int64, m *metrics) {
	tasks := make(chan int64)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for buyer := range tasks {
				res, err := r.race(buyer, m)
				if err != nil {
					m.recordError(err)
					continue
				}
				m.recordOrder(res)
			}
		}()
	}
	for i := 0; i < total; i++ {
		tasks <- buyerBase + int64(i) + 1
	}
	close(tasks)
	wg.Wait()
}

// race creates one order, approves its charge and checks it from r.checks
// goroutines at once.
func (r *racer) race(buyer int64, m *metrics) (raceResult, error) {
	var created orderView
	if _, err := r.post(r.baseURL+"/orders", map[string]any{
		"buyer_id":   buyer,
		"buyer_name": "Bench Buyer",
		"product_id": r.product,
	}, http.StatusCreated, &created); err != nil {
		return raceResult{}, fmt.Errorf("create order: %w", err)
	}
	if _, err := r.post(r.paymentURL+"/v1/payments/"+created.ChargeID+"/settle", map[string]any{"status": "approved"}, http.StatusOK, nil); err != nil {
		return raceResult{}, fmt.Errorf("settle %s: %w", created.ChargeID, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < r.checks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out checkView
			start := time.Now()
			status, err := r.post(r.baseURL+"/orders/"+created.ID+"/check", nil, http.StatusOK, &out)
			m.recordCheck(status, time.Since(start))
			if err == nil && out.Transitioned {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	var final orderView
	if err := r.get(r.baseURL+"/orders/"+created.ID, &final); err != nil {
		return raceResult{}, fmt.Errorf("get order: %w", err)
	}
	return raceResult{
		OrderID:          created.ID,
		Winners:          winners,
		FinalStatus:      final.Status,
		DeliveryAttempts: final.DeliveryAttempts,
	}, nil
}

func (r *racer) post(url string, payload any, want int, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, want, out)
}

func (r *racer) get(url string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	_, err = r.do(req, http.StatusOK, out)
	return err
}

func (r *racer) do(req *http.Request, want int, out any) (int, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
