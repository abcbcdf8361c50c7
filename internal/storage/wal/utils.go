package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 掃描、統計與除錯輸出
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanResult 一次完整掃描的結果
type scanResult struct {
	events    []Event
	lastSeq   uint64
	validSize int64 // 最後一筆完整紀錄結尾的 byte offset
	torn      bool  // 檔尾有不完整紀錄
}

// scanFile 掃描 WAL 檔案並驗證每一筆紀錄
//
// 規則：
// - 沒有換行結尾、無法解析或 checksum 錯誤的「最後一筆」視為崩潰時的半寫入，忽略
// - 同樣的問題出現在中段代表檔案損毀，回傳 CorruptionError
func scanFile(path string) (*scanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &scanResult{}, nil
		}
		return nil, err
	}

	res := &scanResult{}
	var offset int64
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// 最後一行沒有換行：寫到一半就崩潰
			res.torn = true
			break
		}
		line := data[:nl]
		rest := data[nl+1:]
		last := len(bytes.TrimSpace(rest)) == 0

		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if last {
					res.torn = true
					break
				}
				return nil, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: err}
			}
			if !VerifyChecksum(event) {
				if last {
					res.torn = true
					break
				}
				return nil, &CorruptionError{
					Seq:    res.lastSeq,
					Offset: offset,
					Cause:  &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum},
				}
			}
			res.events = append(res.events, event)
			res.lastSeq = event.Seq
		}

		offset += int64(nl + 1)
		res.validSize = offset
		data = rest
	}
	return res, nil
}

// ReadEvents 讀取 WAL 中所有有效事件（不需開啟 WAL 實例）
func ReadEvents(path string) ([]Event, error) {
	res, err := scanFile(path)
	if err != nil {
		return nil, err
	}
	return res.events, nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	res, err := scanFile(path)
	if err != nil {
		return nil, err
	}
	if len(res.events) == 0 {
		return nil, ErrEmptyWAL
	}
	last := res.events[len(res.events)-1]
	return &last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	res, err := scanFile(path)
	if err != nil {
		return 0, err
	}
	return len(res.events), nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] APPEND req-001 user=alice at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	res, err := scanFile(path)
	if err != nil {
		if errors.Is(err, ErrCorruptedWAL) {
			fmt.Fprintf(w, "!! %v\n", err)
		}
		return err
	}

	for _, e := range res.events {
		switch e.Type {
		case EventAppend:
			user := ""
			if e.Request != nil {
				user = e.Request.UserKey
			}
			fmt.Fprintf(w, "[Seq:%d] %s %s user=%s at %s (checksum:0x%08x)\n",
				e.Seq, e.Type, e.ID, user, e.Time().UTC().Format("2006-01-02T15:04:05Z"), e.Checksum)
		case EventRunning:
			fmt.Fprintf(w, "[Seq:%d] %s %s worker=%d at %s (checksum:0x%08x)\n",
				e.Seq, e.Type, e.ID, e.Worker, e.Time().UTC().Format("2006-01-02T15:04:05Z"), e.Checksum)
		default:
			fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)\n",
				e.Seq, e.Type, e.ID, e.Time().UTC().Format("2006-01-02T15:04:05Z"), e.Checksum)
		}
	}
	if res.torn {
		fmt.Fprintf(w, "(torn tail ignored after offset %d)\n", res.validSize)
	}
	return nil
}
