package internal

import (
	"fmt"
	"log"
	"runtime"
)

// Assert завершает процесс, если нарушено внутреннее соглашение пакета. tags попадают в сообщение вместе с местом
// вызова и местом вызова вызывающего.
func Assert(condition bool, tags ...any) {
	if condition {
		return
	}
	tags = append([]any{"#ASSERTION_FAILED"}, tags...)
	for skip := 1; skip <= 2; skip++ {
		if _, file, line, ok := runtime.Caller(skip); ok {
			tags = append(tags, fmt.Sprintf("\n\t%v:%v", file, line))
		}
	}
	log.Fatal(tags...)
}
