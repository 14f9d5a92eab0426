package collab

import (
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// HandleError runs do and converts a panic into an error passed to the
// optional handlers. Callback and plugin entry points are wrapped with
// this so one misbehaving observer cannot take the Collab down.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Errorf("unexpected panic: %s\n%s", r, debug.Stack())
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}
