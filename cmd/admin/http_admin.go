package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// doAdmin prints the response body and reports whether the status was 2xx.
func doAdmin(method, u string, body []byte) (bool, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	return resp.StatusCode/100 == 2, nil
}

func runAdmin(method, u string, body []byte) {
	ok, err := doAdmin(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	runAdmin(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil)
}

func rateCmd(args []string) {
	fs := flag.NewFlagSet("rate", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin rate [-url URL] <steps_per_second>")
		os.Exit(2)
	}
	rate, err := strconv.Atoi(strings.TrimSpace(fs.Arg(0)))
	if err != nil || rate < 0 {
		fmt.Fprintln(os.Stderr, "bad rate:", fs.Arg(0))
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]int{"target_rate": rate})
	runAdmin(http.MethodPost, adminURL(*baseURL, "/admin/v1/target_rate"), body)
}

func controlCmd(which string, args []string) {
	fs := flag.NewFlagSet(which, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	runAdmin(http.MethodPost, adminURL(*baseURL, "/admin/v1/"+which), nil)
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	name := fs.String("name", "", "event name filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := url.Values{}
	if n := strings.TrimSpace(*name); n != "" {
		q.Set("name", n)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	u := adminURL(*baseURL, "/admin/v1/events")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	runAdmin(http.MethodGet, u, nil)
}
