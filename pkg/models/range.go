package models

import "fmt"

// BlockRange 闭区间 [From, To]
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// NewBlockRange 创建区间
func NewBlockRange(from, to uint64) BlockRange {
	return BlockRange{From: from, To: to}
}

// Empty From > To 时区间为空
func (r BlockRange) Empty() bool {
	return r.From > r.To
}

// Contains 判断区块号是否在区间内
func (r BlockRange) Contains(n uint64) bool {
	return !r.Empty() && n >= r.From && n <= r.To
}

// Len 区间内区块数量
func (r BlockRange) Len() uint64 {
	if r.Empty() {
		return 0
	}
	return r.To - r.From + 1
}

// Clamp 把区间裁剪到 [0, height]
func (r BlockRange) Clamp(height uint64) BlockRange {
	if r.To > height {
		r.To = height
	}
	return r
}

// Chunks 按最大跨度切分为连续子区间，size 为 0 时不切分
func (r BlockRange) Chunks(size uint64) []BlockRange {
	if r.Empty() {
		return nil
	}
	// 用 To-From 比较，[0, MaxUint64] 的 Len 会溢出
	span := r.To - r.From
	if size == 0 || span < size {
		return []BlockRange{r}
	}

	chunks := make([]BlockRange, 0, span/size+1)
	for from := r.From; ; from += size {
		to := from + size - 1
		if to >= r.To || to < from { // to < from: 溢出
			chunks = append(chunks, BlockRange{From: from, To: r.To})
			break
		}
		chunks = append(chunks, BlockRange{From: from, To: to})
	}
	return chunks
}

// RecentWindow 以 height 结尾、跨度为 size 的窗口: [max(0, height-size), height]
func RecentWindow(height, size uint64) BlockRange {
	start := uint64(0)
	if height > size {
		start = height - size
	}
	return BlockRange{From: start, To: height}
}

// String 实现 fmt.Stringer
func (r BlockRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}
