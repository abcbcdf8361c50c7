package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能以恢復 pending 請求
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性：未完整寫入的紀錄永遠不會被載入
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// truncater 由可以回捲到指定長度的檔案實作（*os.File）
type truncater interface {
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex    // 保護並發寫入
	file   FileInterface // WAL 檔案
	path   string        // WAL 檔案路徑
	seq    uint64        // 當前事件序號
	offset int64         // 最後一次成功刷新後的檔案長度
	failed error         // 無法回捲時設定，之後的寫入都會失敗
	closed bool

	buffer        [][]byte // 已編碼、尚未寫入的事件
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	flusher       *BatchWriter
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描有效紀錄取得最後的 seq
- 檔尾若有半寫入的紀錄（崩潰造成），截斷到最後一筆完整紀錄
- 檔案中段損壞視為致命錯誤，回傳 CorruptionError，避免靜默遺失資料
*/
func Open(path string, opts Options) (*WAL, error) {
	scan, err := scanFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	// 截斷崩潰留下的不完整尾巴，之後的追加才不會黏在半行後面
	if scan.torn {
		if err := file.Truncate(scan.validSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	if _, err := file.Seek(scan.validSize, 0); err != nil {
		file.Close()
		return nil, err
	}

	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	seq := scan.lastSeq
	if opts.BaseSeq > seq {
		seq = opts.BaseSeq
	}

	w := &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		offset:        scan.validSize,
		buffer:        make([][]byte, 0, bufferSize),
		bufferSize:    bufferSize,
		lastFlushTime: time.Now(),
		flushInterval: opts.FlushInterval,
	}

	if opts.FlushInterval > 0 {
		w.flusher = NewBatchWriter(w, opts.FlushInterval)
	}
	return w, nil
}

// Append 追加一個 APPEND 事件（完整請求紀錄）
func (w *WAL) Append(req types.Request) error {
	return w.write(Event{Type: EventAppend, ID: req.ID, Request: &req})
}

// MarkRunning 追加一個 RUNNING 事件
func (w *WAL) MarkRunning(id types.RequestID, worker int) error {
	return w.write(Event{Type: EventRunning, ID: id, Worker: worker})
}

// Remove 追加一個 REMOVE 事件
func (w *WAL) Remove(id types.RequestID) error {
	return w.write(Event{Type: EventRemove, ID: id})
}

// Clear 追加一個 CLEAR 事件並立即刷新
func (w *WAL) Clear() error {
	if err := w.write(Event{Type: EventClear}); err != nil {
		return err
	}
	return w.Flush()
}

// write 編號、計算 checksum 並寫入（或緩衝）事件
func (w *WAL) write(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if w.failed != nil {
		return w.failed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		w.seq--
		return fmt.Errorf("wal: encode event: %w", err)
	}
	w.buffer = append(w.buffer, append(line, '\n'))

	// 同步模式立即刷新；批次模式由 BatchWriter 定期刷新，緩衝滿了也提前刷新
	if w.flushInterval <= 0 || len(w.buffer) >= w.bufferSize {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案（先刷新緩衝）
// - 驗證每個事件的 checksum
// - 檔尾不完整的紀錄直接忽略
// - 呼叫 handler 應用事件，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	if err := w.Flush(); err != nil {
		return err
	}

	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	scan, err := scanFile(path)
	if err != nil {
		return err
	}
	for _, event := range scan.events {
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// 快照已涵蓋目前所有事件後呼叫；舊檔備份為 path.<timestamp>
// 序號不歸零，重放時才能用快照的 LastSeq 判斷哪些事件已被涵蓋
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	// 先 flush buffer，確保所有事件寫入
	if err := w.flushLocked(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.offset = 0
	w.failed = nil
	w.lastFlushTime = time.Now()

	// 備份只在旋轉期間作為保險，新檔建立後即可刪除
	return os.Remove(backupPath)
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

// Close 關閉 WAL
//
// 關閉後的 WAL 實例不可重用
func (w *WAL) Close() error {
	if w.flusher != nil {
		w.flusher.Close()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	// 先 flush buffer，確保所有事件寫入
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
//
// 失敗時整批丟棄：回捲 seq，並把檔案截斷回上次成功刷新的長度，
// 回報失敗的事件之後不會再被寫入
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	if w.failed != nil {
		return w.failed
	}

	var written int64
	for _, line := range w.buffer {
		n, err := w.file.Write(line)
		written += int64(n)
		if err != nil {
			return w.discardLocked(fmt.Errorf("wal: write: %w", err))
		}
	}
	if err := w.file.Sync(); err != nil {
		return w.discardLocked(fmt.Errorf("wal: sync: %w", err))
	}

	w.offset += written
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// discardLocked 丟棄未刷新的事件並回捲檔案
func (w *WAL) discardLocked(cause error) error {
	w.seq -= uint64(len(w.buffer))
	w.buffer = w.buffer[:0]

	t, ok := w.file.(truncater)
	if !ok {
		w.failed = fmt.Errorf("%w: %v", ErrWALFailed, cause)
		return cause
	}
	if err := t.Truncate(w.offset); err != nil {
		w.failed = fmt.Errorf("%w: truncate after %v: %v", ErrWALFailed, cause, err)
		return cause
	}
	if _, err := t.Seek(w.offset, 0); err != nil {
		w.failed = fmt.Errorf("%w: seek after %v: %v", ErrWALFailed, cause, err)
		return cause
	}
	return cause
}
