// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/wopr/services/config"
)

// apiClient is the thin HTTP client every command shares.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient() (*apiClient, error) {
	token, err := resolveClientToken()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:  strings.TrimRight(flagAddr, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// resolveClientToken checks the flag, the environment, and finally the
// token file the daemon wrote at first start.
func resolveClientToken() (string, error) {
	if flagToken != "" {
		return flagToken, nil
	}
	if tok := os.Getenv("WOPR_TOKEN"); tok != "" {
		return tok, nil
	}
	home := flagHome
	if home == "" {
		home = config.Home()
	}
	data, err := os.ReadFile(filepath.Join(home, "wopr.token"))
	if err != nil {
		return "", fmt.Errorf("no token: pass --token, set WOPR_TOKEN, or start the daemon once (%v)", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *apiClient) do(method, path string, body any) (map[string]any, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (%v)", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw)))
		}
	}
	if resp.StatusCode >= 400 {
		if msg, ok := decoded["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	if flagJSON {
		pretty, _ := json.MarshalIndent(decoded, "", "  ")
		fmt.Println(string(pretty))
	}
	return decoded, nil
}

func (c *apiClient) get(path string) (map[string]any, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) put(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPut, path, body)
}

func (c *apiClient) delete(path string) (map[string]any, error) {
	return c.do(http.MethodDelete, path, nil)
}

// stream POSTs with an SSE accept header and yields each data frame.
func (c *apiClient) stream(path string, body any, onFrame func(map[string]any)) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (%v)", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var decoded map[string]any
		if json.Unmarshal(raw, &decoded) == nil {
			if msg, ok := decoded["error"].(string); ok {
				return fmt.Errorf("%s", msg)
			}
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		onFrame(frame)
	}
	return scanner.Err()
}
