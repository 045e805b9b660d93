// Package mocks holds gomock doubles for the job engine ports.
//
// Regenerate after interface changes with:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=dispatcher_mock.go github.com/suPer8Hu/crewjobs/internal/jobs Dispatcher
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=executor_mock.go github.com/suPer8Hu/crewjobs/internal/jobs Executor
