// Command crowdwatch-detector serves a fixed detection result over the
// crowdwatch gRPC detection protocol. It stands in for a model server in
// development and integration setups.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"crowdwatch/internal/detection"
	"crowdwatch/internal/logging"
	"crowdwatch/internal/pipeline"
)

func main() {
	var (
		addrF   = flag.String("addr", ":50051", "gRPC listen address")
		peopleF = flag.Int("people", 3, "Number of people reported for every frame")
		levelF  = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger, err := logging.New(*levelF, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "crowdwatch-detector: %v\n", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", *addrF)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", *addrF).Msg("Failed to listen")
	}

	srv := grpc.NewServer()
	detection.RegisterDetectionServer(srv, detection.NewDetectorServer(detection.NewStaticDetector(grid(*peopleF)...)))

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		s := <-c
		logger.Info().Str("signal", s.String()).Msg("Stopping")
		srv.GracefulStop()
	}()

	logger.Info().Str("addr", *addrF).Int("people", *peopleF).Msg("Detection service listening")
	if err := srv.Serve(lis); err != nil {
		logger.Fatal().Err(err).Msg("Serve failed")
	}
}

// grid lays n person boxes out in rows across the canonical frame
func grid(n int) []pipeline.Detection {
	const (
		w, h   = 40, 90
		perRow = pipeline.DefaultWidth / (w + 8)
	)
	dets := make([]pipeline.Detection, 0, n)
	for i := 0; i < n; i++ {
		x := (i % perRow) * (w + 8)
		y := (i / perRow) * (h + 8) % (pipeline.DefaultHeight - h)
		dets = append(dets, pipeline.Detection{
			Class:      pipeline.DefaultTargetClass,
			Confidence: 0.9,
			BBox:       pipeline.BBox{X1: x, Y1: y, X2: x + w, Y2: y + h},
		})
	}
	return dets
}
