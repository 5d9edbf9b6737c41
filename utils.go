package TxnDB

// UInt64Comparator 无符号数比较器
func UInt64Comparator(a, b interface{}) int {
	aInt64 := a.(uint64)
	bInt64 := b.(uint64)
	switch {
	case aInt64 > bInt64:
		return 1
	case aInt64 < bInt64:
		return -1
	default:
		return 0
	}
}
