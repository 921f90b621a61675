package util

import (
	"testing"

	"github.com/devrev/paircache/internal/model"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checksum1 := ComputeChecksum(tt.data)
			checksum2 := ComputeChecksum(tt.data)

			if checksum1 != checksum2 {
				t.Errorf("Checksums should be deterministic: %d != %d", checksum1, checksum2)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	if !ValidateChecksum(data, checksum) {
		t.Error("Valid checksum should pass validation")
	}
	if ValidateChecksum(data, checksum+1) {
		t.Error("Invalid checksum should fail validation")
	}

	corruptedData := append([]byte{}, data...)
	corruptedData[0] ^= 0xFF
	if ValidateChecksum(corruptedData, checksum) {
		t.Error("Corrupted data should fail validation")
	}
}

func TestSealAndVerifyRecord(t *testing.T) {
	rec := &model.ReplicationRecord{
		Epoch:     3,
		Sequence:  42,
		Operation: model.OperationTypePut,
		Cache:     "cache",
		Key:       "7",
		Value:     []byte("value:7"),
		Token:     "client:1",
	}
	SealRecord(rec)

	if _, ok := VerifyRecord(rec); !ok {
		t.Fatal("Sealed record should verify")
	}

	rec.Value[0] ^= 0xFF
	if _, ok := VerifyRecord(rec); ok {
		t.Error("Tampered value should fail verification")
	}
	rec.Value[0] ^= 0xFF

	rec.Sequence++
	if _, ok := VerifyRecord(rec); ok {
		t.Error("Changed sequence should fail verification")
	}
}

func TestSealAndVerifyChunk(t *testing.T) {
	chunk := &model.SnapshotChunk{
		Epoch:    1,
		Sequence: 10,
		Cache:    "cache",
		Entries: []model.SnapshotEntry{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		},
	}
	SealChunk(chunk)

	if _, ok := VerifyChunk(chunk); !ok {
		t.Fatal("Sealed chunk should verify")
	}

	// moving a byte across the key/value boundary must change the hash
	chunk.Entries[0] = model.SnapshotEntry{Key: "a1", Value: []byte("")}
	if _, ok := VerifyChunk(chunk); ok {
		t.Error("Reshaped entries should fail verification")
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
