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
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodGet, endpoint(*baseURL, "/admin/v1/state"), nil)
}

func pathCmd(args []string) {
	fs := flag.NewFlagSet("path", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin path [-url URL] <query-id>")
		os.Exit(2)
	}
	call(http.MethodGet, endpoint(*baseURL, "/admin/v1/paths/"+url.PathEscape(fs.Arg(0))), nil)
}

func queryCmd(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("id", "", "query id (optional; server assigns one)")
	start := fs.Uint("start", 0, "start node")
	goal := fs.Uint("goal", 0, "goal node")
	from := fs.String("from", "", "start position x,y (world frame; overrides -start/-goal)")
	to := fs.String("to", "", "goal position x,y (world frame)")
	_ = fs.Parse(args)

	body := map[string]any{"id": *id, "start": *start, "goal": *goal}
	if *from != "" || *to != "" {
		f, err := parseVec2(*from)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -from:", err)
			os.Exit(2)
		}
		t, err := parseVec2(*to)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -to:", err)
			os.Exit(2)
		}
		body["from"], body["to"] = f, t
	}
	call(http.MethodPost, endpoint(*baseURL, "/admin/v1/paths"), body)
}

func viewpointCmd(args []string) {
	fs := flag.NewFlagSet("viewpoint", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin viewpoint [-url URL] x,y")
		os.Exit(2)
	}
	v, err := parseVec2(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad viewpoint:", err)
		os.Exit(2)
	}
	call(http.MethodPost, endpoint(*baseURL, "/admin/v1/viewpoint"), map[string]float64{"x": v[0], "y": v[1]})
}

func clearCmd(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin clear [-url URL] <feature-id>")
		os.Exit(2)
	}
	call(http.MethodPost, endpoint(*baseURL, "/admin/v1/features/"+url.PathEscape(fs.Arg(0))+"/clear"), nil)
}

func endpoint(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func call(method, u string, body any) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if len(b) > 0 {
		fmt.Println(strings.TrimSpace(string(b)))
	} else {
		fmt.Println(resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
