//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package scout

/*
#include <signal.h>
#include <ucontext.h>
#include <stdint.h>

// go_dispatch_sigsys is implemented at the end of this file (cgo export) and does the
// actual marshal/send/receive/unmarshal work; everything in this file
// exists only to bridge the one synchronous, register-level handoff a Go
// function body cannot perform on its own: reading and rewriting the
// trapped syscall's register image out of a ucontext_t.
extern long long go_dispatch_sigsys(long long nr, long long a1, long long a2,
                                     long long a3, long long a4, long long a5,
                                     long long a6, long long rip);

static void sysbox_sigsys_handler(int sig, siginfo_t *info, void *ucv) {
	ucontext_t *uc = (ucontext_t *)ucv;
	mcontext_t *mc = &uc->uc_mcontext;

	long long nr = mc->gregs[REG_RAX];
	long long a1 = mc->gregs[REG_RDI];
	long long a2 = mc->gregs[REG_RSI];
	long long a3 = mc->gregs[REG_RDX];
	long long a4 = mc->gregs[REG_R10];
	long long a5 = mc->gregs[REG_R8];
	long long a6 = mc->gregs[REG_R9];
	long long rip = mc->gregs[REG_RIP];

	long long ret = go_dispatch_sigsys(nr, a1, a2, a3, a4, a5, a6, rip);
	mc->gregs[REG_RAX] = ret;
}

static int sysbox_install_sigsys(void) {
	struct sigaction sa;
	sa.sa_sigaction = sysbox_sigsys_handler;
	sa.sa_flags = SA_SIGINFO | SA_NODEFER;
	sigemptyset(&sa.sa_mask);
	return sigaction(SIGSYS, &sa, NULL);
}

// sysbox_call_trampoline places (nr, a1..a6) in the raw-syscall register
// convention (rax, rdi, rsi, rdx, r10, r8, r9) and calls through fn — the
// mapped trampoline page, which is just "syscall; ret;". Doing the register
// shuffle here in inline asm means the mapped page itself stays the exact
// 3-byte stub spec.md §4.G describes, rather than growing a second
// calling-convention adapter of its own.
static long sysbox_call_trampoline(void *fn, long nr, long a1, long a2, long a3, long a4, long a5, long a6) {
	long ret;
	register long r10 __asm__("r10") = a4;
	register long r8 __asm__("r8") = a5;
	register long r9 __asm__("r9") = a6;
	__asm__ volatile(
		"call *%1"
		: "=a"(ret)
		: "r"(fn), "a"(nr), "D"(a1), "S"(a2), "d"(a3), "r"(r10), "r"(r8), "r"(r9)
		: "rcx", "r11", "memory");
	return ret;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// installSigsysHandler registers sysbox_sigsys_handler for SIGSYS via a raw
// sigaction(2) call (cgo, not os/signal: the handler must run synchronously
// on the faulting thread with direct access to the trapped syscall's
// register image, which Go's own signal delivery does not expose).
// Registered with SA_NODEFER, so SIGSYS stays unblocked while the handler
// runs: a SIGSYS raised from inside this very handler (a monitored syscall
// the dispatch code issues directly instead of through the trampoline) is
// delivered to a nested invocation rather than blocked.
func installSigsysHandler() {
	if rc := C.sysbox_install_sigsys(); rc != 0 {
		panic(fmt.Sprintf("scout: sigaction(SIGSYS): rc=%d", rc))
	}
}

// callTrampoline invokes the "syscall; ret" stub mapped at fn
// (TrampolineAddr) with nr in rax and a1..a6 in the raw-syscall argument
// registers, via a small inline-asm adapter rather than an ordinary C
// function-pointer call (a plain call would put the 4th argument in rcx,
// not the r10 the `syscall` instruction itself reads it from).
func callTrampoline(fn uintptr, nr, a1, a2, a3, a4, a5, a6 uintptr) int64 {
	return int64(C.sysbox_call_trampoline(
		unsafe.Pointer(fn), C.long(nr),
		C.long(a1), C.long(a2), C.long(a3), C.long(a4), C.long(a5), C.long(a6)))
}

//export go_dispatch_sigsys
func go_dispatch_sigsys(nr, a1, a2, a3, a4, a5, a6, rip C.longlong) C.longlong {
	ret := dispatch(uintptr(nr), [6]uintptr{uintptr(a1), uintptr(a2), uintptr(a3), uintptr(a4), uintptr(a5), uintptr(a6)}, uintptr(rip))
	return C.longlong(ret)
}
