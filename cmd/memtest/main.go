package main

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"go.uber.org/atomic"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/engine"
)

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type countingEmitter struct {
	frames atomic.Int64
	bytes  atomic.Int64
}

func (c *countingEmitter) EmitFrame(frame []byte) error {
	c.frames.Inc()
	c.bytes.Add(int64(len(frame)))
	return nil
}

func printStats(tag string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("%s: alloc=%d total=%d sys=%d heapAlloc=%d heapSys=%d stack=%d gcSys=%d otherSys=%d\n",
		tag, m.Alloc, m.TotalAlloc, m.Sys, m.HeapAlloc, m.HeapSys, m.StackInuse, m.GCSys, m.OtherSys)
}

func loadConfig() *engine.Config {
	if len(os.Args) < 2 {
		return &engine.Config{Address: "10.0.0.1/24", MemoryLimit: "32MiB"}
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		panic(err)
	}
	cfg, err := engine.LoadConfig(data)
	if err != nil {
		panic(err)
	}
	return cfg
}

func main() {
	printStats("startup")
	emitter := &countingEmitter{}
	e, err := engine.NewEngine(loadConfig(), emitter)
	if err != nil {
		panic(err)
	}
	printStats("after NewEngine")
	if err := e.Start(); err != nil {
		panic(err)
	}
	printStats("after Start")

	udp := bridge.NewUDP(e)
	if !udp.Begin(5000) {
		panic("udp begin failed")
	}
	payload := make([]byte, udp.MaxPacketSize())
	for i := 0; i < 64; i++ {
		if udp.BeginPacket(e.Address().Next(), 9) {
			udp.Write(payload)
			udp.EndPacket()
		}
	}
	printStats("after UDP burst")

	frames := bridge.Frames(e)
	src := net.HardwareAddr(e.LinkAddress())
	for i := 0; i < 64; i++ {
		frames.BeginEthernetFrame(broadcast, src, 0x88b5)
		frames.Write(payload[:46])
		frames.EndFrame()
	}
	printStats("after frame burst")

	time.Sleep(500 * time.Millisecond)
	runtime.GC()
	printStats("after GC")
	debug.FreeOSMemory()
	printStats("after FreeOSMemory")

	udp.Stop()
	e.Close()
	printStats("after Close")
	fmt.Printf("emitted: frames=%d bytes=%d\n", emitter.frames.Load(), emitter.bytes.Load())
}
