package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResponseField is one entry of a task answer's content.
type ResponseField struct {
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
}

// TaskResponse is the readable form of a task's first response.
type TaskResponse struct {
	Response string
	Note     string
	By       string
}

// ParseResponseContent reads the response_ and note_ values out of a task
// answer's content. Later entries win when a prefix repeats.
func ParseResponseContent(content string) (TaskResponse, error) {
	var out TaskResponse
	if strings.TrimSpace(content) == "" {
		return out, nil
	}
	var fields []ResponseField
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return out, fmt.Errorf("failed to parse response content: %w", err)
	}
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f.FieldName, "response_"):
			out.Response = f.Value
		case strings.HasPrefix(f.FieldName, "note_"):
			out.Note = f.Value
		}
	}
	return out, nil
}

// EncodeResponseContent is the inverse of ParseResponseContent for one task type.
func EncodeResponseContent(taskType, response, note string) string {
	fields := []ResponseField{
		{FieldName: "response_" + taskType, Value: response},
		{FieldName: "note_" + taskType, Value: note},
	}
	b, _ := json.Marshal(fields)
	return string(b)
}

// TaskAnswer returns the first response of a task entity, if any.
func TaskAnswer(task Entity) (TaskResponse, bool, error) {
	if task.FirstResponse == nil {
		return TaskResponse{}, false, nil
	}
	resp, err := ParseResponseContent(task.FirstResponse.Fields["content"])
	if err != nil {
		return TaskResponse{}, true, err
	}
	resp.By = task.FirstResponse.Fields["annotator"]
	return resp, true, nil
}
