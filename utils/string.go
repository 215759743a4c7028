package utils

func InString(hay []string, needle string) bool {
	for _, x := range hay {
		if x == needle {
			return true
		}
	}

	return false
}

func InInt64(hay []int64, needle int64) bool {
	for _, x := range hay {
		if x == needle {
			return true
		}
	}

	return false
}
