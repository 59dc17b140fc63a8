package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	json5 "github.com/KevinWang15/go-json5"

	"github.com/mohammed-shakir/mocgen/internal/jobs"
)

// loadPlan reads a JSON5 plan file. Comments, trailing commas and unquoted
// keys are accepted; the result is then decoded strictly as a build request.
func loadPlan(path string) (jobs.BuildRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobs.BuildRequest{}, fmt.Errorf("read plan: %w", err)
	}
	return parsePlan(data)
}

func parsePlan(data []byte) (jobs.BuildRequest, error) {
	var generic any
	if err := json5.Unmarshal(data, &generic); err != nil {
		return jobs.BuildRequest{}, fmt.Errorf("parse plan: %w", err)
	}
	canon, err := json.Marshal(generic)
	if err != nil {
		return jobs.BuildRequest{}, fmt.Errorf("parse plan: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.DisallowUnknownFields()
	var req jobs.BuildRequest
	if err := dec.Decode(&req); err != nil {
		return jobs.BuildRequest{}, fmt.Errorf("decode plan: %w", err)
	}
	return req, nil
}
