// triggerctl queues job runs on an emberci server via its trigger
// stream. Parameters are given as KEY=VALUE arguments after the job
// name:
//
//	triggerctl -redis localhost:6379 deploy TARGET=staging
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"emberci/pkg/models"
	redisq "emberci/pkg/storage/redis"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address of the emberci trigger stream")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <job> [KEY=VALUE ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	job := flag.Arg(0)

	params := make(map[string]string)
	for _, arg := range flag.Args()[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			fmt.Fprintf(os.Stderr, "invalid parameter %q, expected KEY=VALUE\n", arg)
			os.Exit(2)
		}
		params[key] = value
	}

	queue, err := redisq.NewTriggerQueue(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer queue.Close()

	trig := models.NewTrigger(job, params)
	trig.Source = "queue"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queue.Push(ctx, &trig); err != nil {
		fmt.Fprintf(os.Stderr, "failed to queue trigger: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("queued %s (%s)\n", job, trig.ID)
}
