package gpu

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/go-gl/gl/v4.3-core/gl"
)

// NVX_gpu_memory_info queries; optional, used for budget tracking when
// the driver exposes them.
const (
	glDedicatedVidmemNVX        = 0x9047
	glCurrentAvailableVidmemNVX = 0x9049
)

type glBuffer struct {
	id    uint32
	size  int
	class MemoryClass
	// Host-visible buffers carry a shadow copy; Map hands it out after a
	// refresh from the device, Unmap and dispatch flush it back. GL 4.3
	// has no persistent mapping, so the shadow is the stable host view.
	shadow []byte
	mapped bool
}

type glFence struct {
	sync    uintptr
	refresh []BufferHandle // mapped buffers to refresh once the fence fires
}

// GLDevice implements Device on an OpenGL 4.3 core context with compute
// shaders over SSBOs. All calls must come from the thread that owns the
// context.
type GLDevice struct {
	buffers    map[BufferHandle]*glBuffer
	fences     map[Fence]*glFence
	nextHandle uint64
	nextFence  uint64

	stepProgram   uint32
	reduceProgram uint32

	deviceName string
	hasBudget  bool
	totalBytes uint64
	usedBytes  uint64
}

// NewGLDevice compiles the compute programs on the current context.
func NewGLDevice() (*GLDevice, error) {
	var maxGroup [3]int32
	gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_SIZE, 0, &maxGroup[0])
	gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_SIZE, 1, &maxGroup[1])
	gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_SIZE, 2, &maxGroup[2])
	if maxGroup[0] < TileDim || maxGroup[1] < TileDim || maxGroup[2] < TileDim {
		return nil, fmt.Errorf("%w: compute work group limit %dx%dx%d below %d",
			ErrDeviceLost, maxGroup[0], maxGroup[1], maxGroup[2], TileDim)
	}

	d := &GLDevice{
		buffers:    make(map[BufferHandle]*glBuffer),
		fences:     make(map[Fence]*glFence),
		deviceName: gl.GoStr(gl.GetString(gl.RENDERER)),
	}

	var err error
	if d.stepProgram, err = compileComputeProgram(generationKernel); err != nil {
		return nil, fmt.Errorf("compiling generation kernel: %w", err)
	}
	if d.reduceProgram, err = compileComputeProgram(populationKernel); err != nil {
		gl.DeleteProgram(d.stepProgram)
		return nil, fmt.Errorf("compiling population kernel: %w", err)
	}

	var total int32
	gl.GetIntegerv(glDedicatedVidmemNVX, &total)
	if gl.GetError() == gl.NO_ERROR && total > 0 {
		d.hasBudget = true
		d.totalBytes = uint64(total) * 1024
	}
	return d, nil
}

func (d *GLDevice) Name() string { return d.deviceName }

// compileComputeProgram compiles and links one compute shader.
func compileComputeProgram(source string) (uint32, error) {
	shader := gl.CreateShader(gl.COMPUTE_SHADER)
	csource, free := gl.Strs(source + "\x00")
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("compute shader compilation failed: %s", log)
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, shader)
	gl.LinkProgram(program)
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		gl.DeleteShader(shader)
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("compute program link failed: %s", log)
	}
	gl.DeleteShader(shader)
	return program, nil
}

// checkGL folds pending GL errors into the device error taxonomy.
func checkGL(op string) error {
	switch e := gl.GetError(); e {
	case gl.NO_ERROR:
		return nil
	case gl.OUT_OF_MEMORY:
		return fmt.Errorf("%w: %s", ErrOutOfDeviceMemory, op)
	default:
		return fmt.Errorf("%w: %s (gl error 0x%x)", ErrDeviceLost, op, e)
	}
}

func (d *GLDevice) CreateBuffer(sizeBytes int, class MemoryClass) (BufferHandle, error) {
	if sizeBytes <= 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, sizeBytes)
	}
	var id uint32
	gl.GenBuffers(1, &id)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, id)
	usage := uint32(gl.DYNAMIC_COPY)
	if class.HostVisible() {
		usage = gl.DYNAMIC_DRAW
	}
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, sizeBytes, nil, usage)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
	if err := checkGL("creating buffer"); err != nil {
		gl.DeleteBuffers(1, &id)
		return 0, err
	}
	d.nextHandle++
	h := BufferHandle(d.nextHandle)
	d.buffers[h] = &glBuffer{id: id, size: sizeBytes, class: class}
	d.usedBytes += uint64(sizeBytes)
	return h, nil
}

func (d *GLDevice) DestroyBuffer(h BufferHandle) error {
	buf, ok := d.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	gl.DeleteBuffers(1, &buf.id)
	d.usedBytes -= uint64(buf.size)
	delete(d.buffers, h)
	return nil
}

func (d *GLDevice) lookup(h BufferHandle) (*glBuffer, error) {
	buf, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return buf, nil
}

// GLName exposes the raw GL buffer object for the render-read interface;
// the renderer binds it read-only and never writes through it.
func (d *GLDevice) GLName(h BufferHandle) (uint32, bool) {
	buf, ok := d.buffers[h]
	if !ok {
		return 0, false
	}
	return buf.id, true
}

func (d *GLDevice) Map(h BufferHandle) ([]byte, error) {
	buf, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if !buf.class.HostVisible() {
		return nil, fmt.Errorf("%w (%s)", ErrInvalidAccess, buf.class)
	}
	if buf.shadow == nil {
		buf.shadow = make([]byte, buf.size)
	}
	d.refreshShadow(buf)
	buf.mapped = true
	return buf.shadow, nil
}

func (d *GLDevice) Unmap(h BufferHandle) error {
	buf, err := d.lookup(h)
	if err != nil {
		return err
	}
	if !buf.class.HostVisible() {
		return fmt.Errorf("%w (%s)", ErrInvalidAccess, buf.class)
	}
	if buf.mapped {
		d.flushShadow(buf)
		buf.mapped = false
	}
	return nil
}

func (d *GLDevice) flushShadow(buf *glBuffer) {
	if buf.shadow == nil {
		return
	}
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf.id)
	gl.BufferSubData(gl.SHADER_STORAGE_BUFFER, 0, buf.size, unsafe.Pointer(&buf.shadow[0]))
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
}

func (d *GLDevice) refreshShadow(buf *glBuffer) {
	if buf.shadow == nil {
		return
	}
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf.id)
	gl.GetBufferSubData(gl.SHADER_STORAGE_BUFFER, 0, buf.size, unsafe.Pointer(&buf.shadow[0]))
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
}

func (d *GLDevice) Copy(src, dst BufferHandle, sizeBytes int) error {
	sb, err := d.lookup(src)
	if err != nil {
		return err
	}
	db, err := d.lookup(dst)
	if err != nil {
		return err
	}
	if sizeBytes <= 0 || sizeBytes > sb.size || sizeBytes > db.size {
		return fmt.Errorf("%w: copy of %d bytes", ErrInvalidSize, sizeBytes)
	}
	if sb.mapped {
		d.flushShadow(sb)
	}
	gl.BindBuffer(gl.COPY_READ_BUFFER, sb.id)
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, db.id)
	gl.CopyBufferSubData(gl.COPY_READ_BUFFER, gl.COPY_WRITE_BUFFER, 0, 0, sizeBytes)
	gl.BindBuffer(gl.COPY_READ_BUFFER, 0)
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	if err := checkGL("copying buffer"); err != nil {
		return err
	}
	// Make the copy visible to subsequent host reads before returning.
	sync := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	gl.ClientWaitSync(sync, gl.SYNC_FLUSH_COMMANDS_BIT, uint64(time.Second.Nanoseconds()))
	gl.DeleteSync(sync)
	if db.mapped {
		d.refreshShadow(db)
	}
	return nil
}

func uniform(program uint32, name string) int32 {
	return gl.GetUniformLocation(program, gl.Str(name+"\x00"))
}

func groupsFor(cells, groupSize int) uint32 {
	return uint32((cells + groupSize - 1) / groupSize)
}

func (d *GLDevice) DispatchGeneration(job GenerationJob) (Fence, error) {
	cur, err := d.lookup(job.Current)
	if err != nil {
		return 0, err
	}
	next, err := d.lookup(job.Next)
	if err != nil {
		return 0, err
	}
	cellBytes := job.CellCount() * 4
	if cellBytes <= 0 || cur.size < cellBytes || next.size < cellBytes {
		return 0, fmt.Errorf("%w: %d cells over buffers of %d and %d bytes",
			ErrInvalidSize, job.CellCount(), cur.size, next.size)
	}
	if cur.mapped {
		d.flushShadow(cur)
	}

	gl.UseProgram(d.stepProgram)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 0, cur.id)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 1, next.id)
	gl.Uniform3i(uniform(d.stepProgram, "dims"), int32(job.Width), int32(job.Height), int32(job.Depth))
	gl.Uniform2i(uniform(d.stepProgram, "survive_range"), int32(job.Rule.SurviveMin), int32(job.Rule.SurviveMax))
	gl.Uniform2i(uniform(d.stepProgram, "birth_range"), int32(job.Rule.BirthMin), int32(job.Rule.BirthMax))
	gl.Uniform1i(uniform(d.stepProgram, "rule_family"), int32(job.Rule.Family))
	gl.Uniform1i(uniform(d.stepProgram, "boundary_mode"), int32(job.Boundary))
	gl.Uniform1i(uniform(d.stepProgram, "max_age"), int32(255))
	gl.DispatchCompute(
		groupsFor(job.Width, TileDim),
		groupsFor(job.Height, TileDim),
		groupsFor(job.Depth, TileDim))
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT)

	var refresh []BufferHandle
	if job.Population != 0 {
		pop, err := d.lookup(job.Population)
		if err != nil {
			return 0, err
		}
		if pop.mapped {
			d.flushShadow(pop) // push the zeroed counter
			refresh = append(refresh, job.Population)
		}
		gl.UseProgram(d.reduceProgram)
		gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 0, next.id)
		gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 1, pop.id)
		gl.Uniform1i(uniform(d.reduceProgram, "cell_count"), int32(job.CellCount()))
		gl.DispatchCompute(groupsFor(job.CellCount(), ReduceGroup), 1, 1)
		gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)
	}

	if err := checkGL("dispatching generation"); err != nil {
		return 0, err
	}

	sync := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	gl.Flush()
	d.nextFence++
	f := Fence(d.nextFence)
	d.fences[f] = &glFence{sync: sync, refresh: refresh}
	return f, nil
}

func (d *GLDevice) Wait(f Fence, timeout time.Duration) error {
	fence, ok := d.fences[f]
	if !ok {
		return fmt.Errorf("%w: fence %d", ErrInvalidHandle, BufferHandle(f))
	}
	switch gl.ClientWaitSync(fence.sync, gl.SYNC_FLUSH_COMMANDS_BIT, uint64(timeout.Nanoseconds())) {
	case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
		for _, h := range fence.refresh {
			if buf, err := d.lookup(h); err == nil {
				d.refreshShadow(buf)
			}
		}
		gl.DeleteSync(fence.sync)
		delete(d.fences, f)
		return nil
	case gl.TIMEOUT_EXPIRED:
		// Fence stays registered so completion can be re-confirmed.
		return ErrCompletionTimeout
	default:
		gl.DeleteSync(fence.sync)
		delete(d.fences, f)
		return fmt.Errorf("%w: wait failed", ErrDeviceLost)
	}
}

func (d *GLDevice) MemoryBudget() (used, budget uint64, ok bool) {
	if !d.hasBudget {
		return 0, 0, false
	}
	var avail int32
	gl.GetIntegerv(glCurrentAvailableVidmemNVX, &avail)
	if gl.GetError() != gl.NO_ERROR || avail <= 0 {
		return d.usedBytes, d.totalBytes, true
	}
	return d.totalBytes - uint64(avail)*1024, d.totalBytes, true
}

func (d *GLDevice) Close() {
	for f, fence := range d.fences {
		gl.DeleteSync(fence.sync)
		delete(d.fences, f)
	}
	for h, buf := range d.buffers {
		gl.DeleteBuffers(1, &buf.id)
		delete(d.buffers, h)
	}
	if d.stepProgram != 0 {
		gl.DeleteProgram(d.stepProgram)
	}
	if d.reduceProgram != 0 {
		gl.DeleteProgram(d.reduceProgram)
	}
}
