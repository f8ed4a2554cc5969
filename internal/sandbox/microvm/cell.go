package microvm

import "path"

// cellDriver runs one notebook cell against a namespace pickled by the
// previous cell. Modules cannot be pickled, so their bindings are stored by
// name and re-imported on the next run.
//
// argv: cell source path, namespace path.
const cellDriver = `import builtins, importlib, os, pickle, sys, traceback, types

cell_path, state_path = sys.argv[1], sys.argv[2]

ns = {"__name__": "__main__", "__builtins__": builtins}
if os.path.exists(state_path):
    try:
        with open(state_path, "rb") as f:
            saved = pickle.load(f)
        for name, module in saved.get("modules", {}).items():
            try:
                ns[name] = importlib.import_module(module)
            except Exception:
                pass
        ns.update(saved.get("values", {}))
    except Exception as exc:
        print("warning: could not restore namespace: %s" % exc, file=sys.stderr)

with open(cell_path) as f:
    source = f.read()

status = 0
try:
    exec(compile(source, "<cell>", "exec"), ns)
except SystemExit as exc:
    status = exc.code if isinstance(exc.code, int) else 1
except BaseException:
    traceback.print_exc()
    status = 1

values, modules = {}, {}
for name, value in ns.items():
    if name.startswith("__"):
        continue
    if isinstance(value, types.ModuleType):
        modules[name] = value.__name__
        continue
    try:
        pickle.dumps(value)
    except Exception:
        continue
    values[name] = value

sys.stdout.flush()
sys.stderr.flush()
tmp = state_path + ".tmp"
with open(tmp, "wb") as f:
    pickle.dump({"values": values, "modules": modules}, f)
os.replace(tmp, state_path)
sys.exit(status)
`

// layout holds the fixed paths used inside a VM.
type layout struct {
	dir string
}

func (l layout) driver() string    { return path.Join(l.dir, ".codepair", "cell_driver.py") }
func (l layout) namespace() string { return path.Join(l.dir, ".codepair", "namespace.pkl") }
func (l layout) cell() string      { return path.Join(l.dir, ".codepair", "cell.py") }
func (l layout) source(name string) string {
	return path.Join(l.dir, name)
}
