// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package logger

import (
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitLoggerMultipleCalls(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	InitLogger()
	first := Logger
	InitLogger()
	second := Logger

	if first == nil || second == nil {
		t.Fatal("InitLogger() left Logger nil")
	}
	if first != second {
		t.Error("InitLogger() should keep the first logger instance")
	}
}

func TestGetLoggerInitializesLazily(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	if Logger != nil {
		t.Fatal("Logger should be nil after reset")
	}
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
	if GetSugaredLogger() == nil {
		t.Fatal("GetSugaredLogger() returned nil")
	}
}

func TestGetLoggerConcurrent(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	var wg sync.WaitGroup
	got := make(chan interface{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- GetLogger()
		}()
	}
	wg.Wait()
	close(got)

	var first interface{}
	for l := range got {
		if first == nil {
			first = l
			continue
		}
		if l != first {
			t.Fatal("concurrent GetLogger() calls built more than one logger")
		}
	}
}

func TestSetLevel(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	tests := []struct {
		level   string
		want    string
		wantErr bool
	}{
		{level: "debug", want: "debug"},
		{level: "WARN", want: "warn"},
		{level: "error", want: "error"},
		{level: "loud", want: "error", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := SetLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
			if got := GetLevel(); got != tt.want {
				t.Errorf("GetLevel() = %q, want %q", got, tt.want)
			}
		})
	}

	core := GetLogger().Core()
	if !core.Enabled(zapcore.ErrorLevel) || core.Enabled(zapcore.WarnLevel) {
		t.Error("logger should honour the atomic level")
	}
}
