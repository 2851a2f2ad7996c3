package main

import "fmt"

var counter int

func spin(n int) int {
	total := 0
	for i := 0; i < n; i++ {
		total += i
		counter = total
	}
	return total
}

func main() {
	result := spin(5)
	fmt.Println(result)
}
