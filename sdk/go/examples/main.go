package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"

	"Sentinel-Protocol/sdk/go/sentinel"
)

// 使用内嵌的模拟服务演示流式调用。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orchestrate/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"type":"status","message":"Attempt 1 of 3: ETH dropped 5%"}`,
			`{"type":"agent","name":"price","message":"Price of ethereum (ETH): $3000"}`,
			`{"type":"decision","message":"Swap 40% of ETH to USDC","data":{"type":"swap","fromToken":"ETH","toToken":"USDC","amount":0.4}}`,
			`{"type":"auth","message":"Action is authorized."}`,
			`{"type":"action","message":"Swap 40% of ETH to USDC","data":{"type":"swap","fromToken":"ETH","toToken":"USDC","amount":0.4}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := sentinel.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}
	err = client.Stream(context.Background(), sentinel.Trigger{
		TriggerReason: "ETH dropped 5%",
		Portfolio:     map[string]float64{"ETH": 2, "USDC": 1000},
	}, func(e sentinel.Event) error {
		fmt.Printf("[%s] %s\n", e.Type, e.Message)
		if e.Type == "action" {
			action, err := e.Action()
			if err != nil {
				return err
			}
			fmt.Printf("authorized: %s %s of %s -> %s\n", action.Type, action.Amount, action.FromToken, action.ToToken)
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
}
