package emulator

import (
	"fmt"
	"log"
	"runtime"

	"github.com/ezrec/ucriscv/ring"
)

// ServiceFunc validates one request frame on behalf of a privileged
// service and returns the response payload and verdict. It runs on the
// service host goroutine, never on the core thread.
type ServiceFunc func(emu *Emulator, frame ring.Frame) (payload uint64, status ring.FrameStatus)

type service struct {
	name string
	id   uint16
	fn   ServiceFunc
}

// Serve registers a privileged service under a service id and publishes its
// name as an assembler define.
func (emu *Emulator) Serve(name string, id uint16, fn ServiceFunc) (err error) {
	if _, taken := emu.services[id]; taken {
		err = ErrServiceTaken
		return
	}

	emu.services[id] = &service{name: name, id: id, fn: fn}
	emu.defines[name] = fmt.Sprintf("%v", id)

	return
}

// Start launches the service host, the sole consumer of the request ring
// and sole producer of the response ring.
func (emu *Emulator) Start() {
	if emu.started {
		return
	}
	emu.started = true
	go emu.serve()
}

// serve answers request frames until Close.
func (emu *Emulator) serve() {
	defer close(emu.done)

	for {
		select {
		case <-emu.quit:
			return
		default:
		}

		frame, ok := emu.Chan.Request.TryConsume()
		if !ok {
			runtime.Gosched()
			continue
		}

		reply := ring.Frame{
			Tag:     ring.TAG_RESPONSE,
			Seq:     frame.Seq,
			Service: frame.Service,
			Status:  ring.STATUS_DENIED,
		}

		// An unregistered service id denies; it never hangs the caller.
		if svc, known := emu.services[frame.Service]; known {
			reply.Payload, reply.Status = svc.fn(emu, frame)

			if emu.Verbose {
				log.Printf("emulator: %v seq:%v -> %v", svc.name, frame.Seq, reply.Status)
			}
		}

		for !emu.Chan.Response.TryPublish(&reply) {
			select {
			case <-emu.quit:
				return
			default:
				runtime.Gosched()
			}
		}
	}
}
