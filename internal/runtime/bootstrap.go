package runtime

// pythonBootstrap is the wrapper process for the python runtime. The pool
// starts it ahead of time so the interpreter is already warm when a run
// arrives. It serves exactly one execution: read one line of JSON from
// stdin, run the user source with ARGS/CONFIG/META bound in its global
// scope, and exit; cleanup re-execs a fresh copy for the next run.
//
// Timeout is self-enforced with SIGALRM and reported as exit code 124 to
// match the timeout(1) convention used by direct-exec runtimes. If the user
// code called set_response, the response tuple is printed after the unique
// output separator immediately before exit.
const pythonBootstrap = `import json
import signal
import sys
import traceback

_request = json.loads(sys.stdin.readline())

ARGS = _request.get('ARGS') or {}
CONFIG = _request.get('CONFIG') or {}
META = _request.get('META') or {}
_separator = _request['_OUTPUT_SEPARATOR']
_timeout = _request['_TIMEOUT']

_response = None


def set_response(status=200, content='', content_type='text/plain', headers=None):
    global _response
    _response = [status, content_type, content, headers or {}]


def _flush_response():
    if _response is not None:
        sys.stdout.write(_separator)
        sys.stdout.write(json.dumps(_response))
    sys.stdout.flush()


def _on_alarm(signum, frame):
    _flush_response()
    sys.exit(124)


signal.signal(signal.SIGALRM, _on_alarm)
signal.alarm(int(_timeout))

_globals = {
    'ARGS': ARGS,
    'CONFIG': CONFIG,
    'META': META,
    'set_response': set_response,
}

try:
    with open('/app/source/main.py') as _f:
        _source = _f.read()
    exec(compile(_source, 'main.py', 'exec'), _globals)
except SystemExit as e:
    _flush_response()
    sys.exit(e.code if isinstance(e.code, int) else 0)
except BaseException:
    traceback.print_exc()
    _flush_response()
    sys.exit(1)

_flush_response()
`
