package conditioner

import "sort"

// Median returns the median of values: the middle element for an odd count,
// the mean of the two middle elements for an even count, 0 for an empty slice.
// values is sorted in place.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

// meanInt averages integer counts without converting each one to float64 first,
// so the sum is exact. Values are in int32 range (see ParseRaw), so the int64
// sum cannot overflow for any realistic window.
func meanInt(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}
