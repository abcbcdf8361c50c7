package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Checksum 欄位歸零後的事件序列化為 JSON
// - 使用 CRC32-IEEE 多項式計算
//
// 涵蓋完整紀錄（含 payload），半寫入或被竄改的紀錄都會被偵測
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
