// Copyright 2024 The pranaOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"strings"
	"testing"
)

// Tests that Level marshals round trip, from both the string names and the
// numeric forms.
func TestLevelMarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`"warning"`, Warning},
		{`"info"`, Info},
		{`"debug"`, Debug},
		{"0", Warning},
		{"1", Info},
		{"2", Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) got err %v want nil", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%s) got %v want %v", tc.in, lv, tc.want)
		}
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("MarshalJSON(%v) got err %v want nil", lv, err)
			continue
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("UnmarshalJSON(%s) got err %v want nil", bs, err)
		}
		if lv2 != lv {
			t.Errorf("round trip of %v got %v", lv, lv2)
		}
	}

	var lv Level
	if err := lv.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf("UnmarshalJSON of unknown level should have failed")
	}
}

func TestJSONEmit(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Info,
	}
	bl.Infof("mapped %d pages", 4)
	if len(tw.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], `"level":"info"`) {
		t.Errorf("line missing level: %q", tw.lines[0])
	}
	if !strings.Contains(tw.lines[0], "mapped 4 pages") {
		t.Errorf("line missing message: %q", tw.lines[0])
	}
}
